package workbook

import (
	"context"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/daftari/core"
)

var (
	// ErrTemplateNotFound aborts a distribution before any write: the
	// workbook has no template GradeSheet owned by its authoring staff member.
	ErrTemplateNotFound = errors.New("workbook template sheet not found")

	errNoTargets = errors.New("no target owners provided")
)

type (
	// Owner is a read-only projection of the owner directory (students/staff),
	// consumed to enumerate distribution targets and notify them.
	Owner struct {
		ID    string
		Name  string
		Email string
	}

	// OwnerDirectory is the read-only owner directory collaborator.
	OwnerDirectory interface {
		GetOwners(ctx context.Context, ids []string) ([]Owner, error)
	}

	// TargetFailure identifies one target owner whose chapter clone failed.
	TargetFailure struct {
		OwnerID string
		Err     error
	}

	// PartialDistributionError reports the targets that failed during chapter
	// cloning. Succeeded targets are not rolled back; a failed target keeps
	// its (possibly partially cloned) state until the distribution is re-run
	// with overwrite=true.
	PartialDistributionError struct {
		Failures []TargetFailure
	}

	// DistributionReport is the per-target outcome of one distribution run.
	DistributionReport struct {
		WorkbookID string
		Created    []string // owners that received a brand new sheet
		Replaced   []string // owners whose existing sheet was resynced (overwrite)
		Skipped    []string // owners skipped because already distributed (no overwrite)
		Failures   []TargetFailure
	}

	// Distributor clones a template Workbook's GradeSheet + Chapters onto a
	// set of target owners.
	Distributor struct {
		repo    Repository
		dir     OwnerDirectory
		mailSvc core.EmailService
		logger  core.Logger
		conf    *core.Config
	}
)

func (e *PartialDistributionError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, f.OwnerID)
	}
	return fmt.Sprintf("distribution failed for %d target(s): %s", len(e.Failures), strings.Join(ids, ", "))
}

func (r DistributionReport) NothingToDo() bool {
	return len(r.Created) == 0 && len(r.Replaced) == 0 && len(r.Failures) == 0
}

func NewDistributor(repo Repository, dir OwnerDirectory, mailSvc core.EmailService, logger core.Logger, conf *core.Config) *Distributor {
	return &Distributor{
		repo:    repo,
		dir:     dir,
		mailSvc: mailSvc,
		logger:  logger,
		conf:    conf,
	}
}

// Status partitions ownerIDs into those that already have a GradeSheet for
// workbookID and those that do not.
func (d *Distributor) Status(ctx context.Context, workbookID string, ownerIDs []string) (already, notYet []string, err error) {
	sheets, err := d.repo.QuerySheets(ctx, SheetFilter{WorkbookID: workbookID, OwnerIDs: ownerIDs})
	if err != nil {
		return nil, nil, errors.Wrap(err, "querying distributed sheets")
	}

	have := make(map[string]bool, len(sheets))
	for _, s := range sheets {
		have[s.OwnerID] = true
	}
	for _, id := range ownerIDs {
		if have[id] {
			already = append(already, id)
		} else {
			notYet = append(notYet, id)
		}
	}
	return already, notYet, nil
}

// Distribute propagates the workbook's current template GradeSheet and
// Chapters onto targetOwnerIDs. Only the shape of the template's marks is
// copied: every target's marks are reset to all-unmarked. With overwrite
// unset, owners that already have a sheet for the workbook are skipped, which
// makes re-runs idempotent; with overwrite set, each target's chapters are
// fully replaced regardless of any edits made on the target in the meantime.
//
// Targets are cloned on a bounded worker pool. Each target succeeds or fails
// independently: no transaction spans targets, a failure on one target never
// rolls back or skips the others, and failed targets are reported by owner
// identity in a PartialDistributionError.
func (d *Distributor) Distribute(ctx context.Context, workbookID string, targetOwnerIDs []string, overwrite bool) (DistributionReport, error) {
	report := DistributionReport{WorkbookID: workbookID}

	if len(targetOwnerIDs) == 0 {
		return report, core.NewValidationError(errNoTargets)
	}

	wb, err := d.repo.GetWorkbook(ctx, workbookID)
	if err != nil {
		return report, errors.Wrap(err, "loading workbook")
	}

	// fatal precondition: the authoring staff member's sheet is the template
	tmpl, err := d.repo.GetSheet(ctx, GetSheetFilter{OwnerID: wb.AuthorID, WorkbookID: wb.ID})
	if err != nil {
		if errors.Cause(err) == ErrSheetNotFound {
			return report, ErrTemplateNotFound
		}
		return report, errors.Wrap(err, "loading template sheet")
	}

	tmplChapters, err := d.repo.QueryChapters(ctx, tmpl.ID)
	if err != nil {
		return report, errors.Wrap(err, "loading template chapters")
	}

	already, notYet, err := d.Status(ctx, wb.ID, targetOwnerIDs)
	if err != nil {
		return report, err
	}
	alreadySet := make(map[string]bool, len(already))
	for _, id := range already {
		alreadySet[id] = true
	}

	targets := targetOwnerIDs
	if !overwrite {
		targets = notYet
		report.Skipped = already
	}
	if len(targets) == 0 {
		// nothing to do; not an error
		return report, nil
	}

	owners := d.lookupOwners(ctx, targets)

	workers := d.conf.DistributionWorkers
	if workers < 1 {
		workers = 1
	}

	var (
		wg  sync.WaitGroup
		sem = make(chan struct{}, workers)
		mu  sync.Mutex
	)
	for _, ownerID := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(ownerID string) {
			defer wg.Done()
			defer func() { <-sem }()

			err := d.cloneTarget(ctx, wb, tmpl, tmplChapters, ownerID)

			mu.Lock()
			if err != nil {
				report.Failures = append(report.Failures, TargetFailure{OwnerID: ownerID, Err: err})
				mu.Unlock()
				return
			}
			if alreadySet[ownerID] {
				report.Replaced = append(report.Replaced, ownerID)
			} else {
				report.Created = append(report.Created, ownerID)
			}
			mu.Unlock()

			// notify outside the lock; a slow mail backend must not serialize the pool
			if owner, ok := owners[ownerID]; ok {
				d.notify(owner, wb)
			}
		}(ownerID)
	}
	wg.Wait()

	sort.Strings(report.Created)
	sort.Strings(report.Replaced)
	sort.Strings(report.Skipped)

	if len(report.Failures) > 0 {
		sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].OwnerID < report.Failures[j].OwnerID })
		return report, &PartialDistributionError{Failures: report.Failures}
	}
	return report, nil
}

// cloneTarget upserts the owner's sheet from the template and replaces its
// chapters with clones of the template's. The steps are deliberately not
// transactional: a failure part-way leaves the sheet present with chapters
// partially cloned, to be repaired by a re-run with overwrite=true.
func (d *Distributor) cloneTarget(ctx context.Context, wb Workbook, tmpl GradeSheet, tmplChapters []Chapter, ownerID string) error {
	now := time.Now().UTC()

	labels := make([]string, len(tmpl.Labels))
	copy(labels, tmpl.Labels)

	sheet := GradeSheet{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		WorkbookID:   null.StringFrom(wb.ID),
		Title:        tmpl.Title,
		ProblemCount: tmpl.ProblemCount,
		Marks:        NewMarks(tmpl.ProblemCount), // shape only; never the template's marks
		Labels:       labels,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	sheet, err := d.repo.UpsertSheet(ctx, sheet)
	if err != nil {
		return errors.Wrap(err, "upserting sheet")
	}

	if err = d.repo.DeleteChaptersByGradeID(ctx, sheet.ID); err != nil {
		return errors.Wrap(err, "deleting stale chapters")
	}

	for _, tc := range tmplChapters {
		ch := Chapter{
			ID:           uuid.New().String(),
			GradeID:      sheet.ID,
			StartIdx:     tc.StartIdx,
			EndIdx:       tc.EndIdx,
			Title:        tc.Title,
			Note:         tc.Note,
			TeacherMemo:  tc.TeacherMemo,
			NextHomework: tc.NextHomework,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if _, err = d.repo.CreateChapter(ctx, ch); err != nil {
			return errors.Wrap(err, "cloning chapter")
		}
	}
	return nil
}

// lookupOwners fetches target owners for notification emails; best effort.
func (d *Distributor) lookupOwners(ctx context.Context, ids []string) map[string]Owner {
	owners := make(map[string]Owner, len(ids))
	if d.dir == nil {
		return owners
	}
	found, err := d.dir.GetOwners(ctx, ids)
	if err != nil {
		d.logger.Warn("distribution: looking up target owners", err)
		return owners
	}
	for _, o := range found {
		owners[o.ID] = o
	}
	return owners
}

func (d *Distributor) notify(owner Owner, wb Workbook) {
	if d.mailSvc == nil || owner.Email == "" {
		return
	}
	d.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: owner.Name, Address: owner.Email}},
		Subject:      fmt.Sprintf("New workbook: %s", wb.Title),
		TemplateName: "workbook-assigned",
		TemplateData: struct {
			OwnerName     string
			WorkbookTitle string
			ProblemCount  int
		}{owner.Name, wb.Title, wb.TotalProblemCount},
	})
}
