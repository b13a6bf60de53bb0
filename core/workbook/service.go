package workbook

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/daftari/core"
)

var (
	// errors
	ErrWorkbookNotFound = errors.New("workbook not found")
	ErrSheetNotFound    = errors.New("grade sheet not found")
	ErrChapterNotFound  = errors.New("chapter not found")
	ErrSheetExists      = errors.New("a grade sheet for this owner and workbook already exists")

	errMarkIndexOutOfRange = "problem index out of range"
	errInvalidMark         = "invalid mark"
	errInvalidMarkRange    = "invalid problem index range"
	errChapterCount        = "chapter problem count must be a positive integer"
)

type (
	// GetSheetFilter selects a single GradeSheet: either by ID, or by the
	// (OwnerID, WorkbookID) composite key.
	GetSheetFilter struct {
		ID         string
		OwnerID    string
		WorkbookID string
	}

	// SheetFilter applies AND on its set fields when querying GradeSheets.
	SheetFilter struct {
		OwnerID    string
		WorkbookID string
		OwnerIDs   []string
	}

	Repository interface {
		// Atomic runs fn against a transaction-bound Repository, committing on
		// a nil error and rolling back otherwise.
		Atomic(ctx context.Context, fn func(tx Repository) error) error

		CreateWorkbook(ctx context.Context, wb Workbook) (Workbook, error)
		GetWorkbook(ctx context.Context, id string) (Workbook, error)
		QueryWorkbooks(ctx context.Context) ([]Workbook, error)
		UpdateWorkbookTotal(ctx context.Context, id string, total int) error

		CreateSheet(ctx context.Context, sheet GradeSheet) (GradeSheet, error)
		// UpsertSheet inserts sheet or, when a row exists for the same
		// (owner_id, workbook_id), replaces its title, problem_count, marks
		// and labels.
		UpsertSheet(ctx context.Context, sheet GradeSheet) (GradeSheet, error)
		GetSheet(ctx context.Context, filter GetSheetFilter) (GradeSheet, error)
		QuerySheets(ctx context.Context, filter SheetFilter) ([]GradeSheet, error)
		UpdateSheetMarks(ctx context.Context, id string, marks []Mark) error
		// UpdateSheetShape persists problem_count, marks and labels as one write.
		UpdateSheetShape(ctx context.Context, id string, problemCount int, marks []Mark, labels []string) error
		DeleteSheet(ctx context.Context, id string) error // cascades to chapters

		CreateChapter(ctx context.Context, ch Chapter) (Chapter, error)
		GetChapter(ctx context.Context, id string) (Chapter, error)
		// QueryChapters returns gradeID's chapters ordered by (start_idx asc, end_idx asc).
		QueryChapters(ctx context.Context, gradeID string) ([]Chapter, error)
		UpdateChapterTitle(ctx context.Context, id string, title null.String) (Chapter, error)
		UpdateChapterTexts(ctx context.Context, id string, note, memo, homework string) error
		DeleteChapter(ctx context.Context, id string) error
		DeleteChaptersByGradeID(ctx context.Context, gradeID string) error
	}

	Service interface {
		CreateWorkbook(ctx context.Context, nw NewWorkbook) (Workbook, GradeSheet, error)
		GetWorkbook(ctx context.Context, id string) (Workbook, error)
		QueryWorkbooks(ctx context.Context) ([]Workbook, error)

		CreateSheet(ctx context.Context, ns NewSheet) (GradeSheet, error)
		GetSheet(ctx context.Context, id string) (GradeSheet, error)
		GetOwnerSheet(ctx context.Context, ownerID, workbookID string) (GradeSheet, error)
		QuerySheets(ctx context.Context, filter SheetFilter) ([]GradeSheet, error)
		DeleteSheet(ctx context.Context, id string) error

		SetMark(sheet *GradeSheet, idx int, mark Mark) error
		BulkSetMarks(sheet *GradeSheet, loIdx, hiIdx int, mark Mark) error
		Expand(ctx context.Context, sheet *GradeSheet, newTotal int) error

		CreateChapter(ctx context.Context, sheet *GradeSheet, nc NewChapter) (Chapter, error)
		GetChapter(ctx context.Context, id string) (Chapter, error)
		QueryChapters(ctx context.Context, gradeID string) ([]Chapter, error)
		DefaultChapter(chapters []Chapter) (Chapter, bool)
		RenameChapter(ctx context.Context, id string, title null.String) (Chapter, error)
		EditChapterNotes(chapter *Chapter, edit ChapterNotes)
		DeleteChapter(ctx context.Context, id string) error

		// Close cancels all outstanding autosave timers; call on session teardown.
		Close()
	}

	service struct {
		repo   Repository
		saver  *AutoSaver
		logger core.Logger

		// latest scheduled-but-unflushed state per entity. Reads overlay it so
		// callers that re-load between edits (one HTTP request per click) keep
		// building on the latest local state instead of the lagging stored row.
		mu           sync.Mutex
		rev          uint64
		pendingMarks map[string]*pendingMarks
		pendingNotes map[string]*pendingNotes
	}

	pendingMarks struct {
		marks     []Mark
		updatedAt time.Time
		rev       uint64
	}

	pendingNotes struct {
		note, memo, homework string
		updatedAt            time.Time
		rev                  uint64
	}
)

var _ Service = (*service)(nil)

func NewService(repo Repository, saver *AutoSaver, logger core.Logger) Service {
	return &service{
		repo:         repo,
		saver:        saver,
		logger:       logger,
		pendingMarks: make(map[string]*pendingMarks),
		pendingNotes: make(map[string]*pendingNotes),
	}
}

func (svc *service) overlaySheet(sheet *GradeSheet) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	p, ok := svc.pendingMarks[sheet.ID]
	if !ok || len(p.marks) != sheet.ProblemCount {
		return
	}
	marks := make([]Mark, len(p.marks))
	copy(marks, p.marks)
	sheet.Marks = marks
	sheet.UpdatedAt = p.updatedAt
}

func (svc *service) overlayChapter(ch *Chapter) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	p, ok := svc.pendingNotes[ch.ID]
	if !ok {
		return
	}
	ch.Note, ch.TeacherMemo, ch.NextHomework = p.note, p.memo, p.homework
	ch.UpdatedAt = p.updatedAt
}

// marksFlushed drops the pending entry once its exact revision is on disk; a
// newer schedule keeps its entry until its own flush lands.
func (svc *service) marksFlushed(id string, rev uint64) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if p, ok := svc.pendingMarks[id]; ok && p.rev == rev {
		delete(svc.pendingMarks, id)
	}
}

func (svc *service) dropPendingMarks(id string) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	delete(svc.pendingMarks, id)
}

func (svc *service) notesFlushed(id string, rev uint64) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if p, ok := svc.pendingNotes[id]; ok && p.rev == rev {
		delete(svc.pendingNotes, id)
	}
}

func (svc *service) dropPendingNotes(id string) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	delete(svc.pendingNotes, id)
}

func sheetKey(id string) string   { return "sheet:" + id }
func chapterKey(id string) string { return "chapter:" + id }

// CreateWorkbook creates the workbook, its template GradeSheet owned by the
// authoring staff member, and the requested chapters, all in one transaction.
func (svc *service) CreateWorkbook(ctx context.Context, nw NewWorkbook) (Workbook, GradeSheet, error) {
	nw.Title = core.CleanString(nw.Title)
	if nw.Title == "" {
		return Workbook{}, GradeSheet{}, core.NewValidationError(nil, core.FieldError{Field: "title", Error: "this field is required"})
	}
	for _, spec := range nw.Chapters {
		if spec.Count < 1 {
			return Workbook{}, GradeSheet{}, core.NewValidationError(nil, core.FieldError{Field: "count", Error: errChapterCount})
		}
	}

	var total int
	for _, spec := range nw.Chapters {
		total += spec.Count
	}

	now := time.Now().UTC()
	wb := Workbook{
		ID:                uuid.New().String(),
		AuthorID:          nw.AuthorID,
		Title:             nw.Title,
		TotalProblemCount: total,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	tmpl := GradeSheet{
		ID:           uuid.New().String(),
		OwnerID:      nw.AuthorID,
		WorkbookID:   null.StringFrom(wb.ID),
		Title:        nw.Title,
		ProblemCount: total,
		Marks:        NewMarks(total),
		Labels:       DefaultLabels(0, total),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := svc.repo.Atomic(ctx, func(tx Repository) error {
		var err error
		if wb, err = tx.CreateWorkbook(ctx, wb); err != nil {
			return errors.Wrap(err, "creating workbook")
		}
		if tmpl, err = tx.CreateSheet(ctx, tmpl); err != nil {
			return errors.Wrap(err, "creating template sheet")
		}
		start := 0
		for _, spec := range nw.Chapters {
			ch := Chapter{
				ID:        uuid.New().String(),
				GradeID:   tmpl.ID,
				StartIdx:  start,
				EndIdx:    start + spec.Count - 1,
				Title:     null.NewString(spec.Title, spec.Title != ""),
				CreatedAt: now,
				UpdatedAt: now,
			}
			if _, err = tx.CreateChapter(ctx, ch); err != nil {
				return errors.Wrap(err, "creating template chapter")
			}
			start += spec.Count
		}
		return nil
	})
	if err != nil {
		return Workbook{}, GradeSheet{}, err
	}
	return wb, tmpl, nil
}

func (svc *service) GetWorkbook(ctx context.Context, id string) (Workbook, error) {
	return svc.repo.GetWorkbook(ctx, id)
}

func (svc *service) QueryWorkbooks(ctx context.Context) ([]Workbook, error) {
	return svc.repo.QueryWorkbooks(ctx)
}

func (svc *service) CreateSheet(ctx context.Context, ns NewSheet) (GradeSheet, error) {
	ns.Title = core.CleanString(ns.Title)
	if ns.Title == "" {
		return GradeSheet{}, core.NewValidationError(nil, core.FieldError{Field: "title", Error: "this field is required"})
	}

	// at most one sheet per (owner, workbook)
	if ns.WorkbookID.Valid {
		if _, err := svc.repo.GetSheet(ctx, GetSheetFilter{OwnerID: ns.OwnerID, WorkbookID: ns.WorkbookID.String}); err == nil {
			return GradeSheet{}, core.NewValidationError(ErrSheetExists)
		} else if errors.Cause(err) != ErrSheetNotFound {
			return GradeSheet{}, err
		}
	}

	now := time.Now().UTC()
	sheet := GradeSheet{
		ID:           uuid.New().String(),
		OwnerID:      ns.OwnerID,
		WorkbookID:   ns.WorkbookID,
		Title:        ns.Title,
		ProblemCount: ns.ProblemCount,
		Marks:        NewMarks(ns.ProblemCount),
		Labels:       DefaultLabels(0, ns.ProblemCount),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return svc.repo.CreateSheet(ctx, sheet)
}

func (svc *service) GetSheet(ctx context.Context, id string) (GradeSheet, error) {
	sheet, err := svc.repo.GetSheet(ctx, GetSheetFilter{ID: id})
	if err != nil {
		return GradeSheet{}, err
	}
	svc.overlaySheet(&sheet)
	return sheet, nil
}

func (svc *service) GetOwnerSheet(ctx context.Context, ownerID, workbookID string) (GradeSheet, error) {
	sheet, err := svc.repo.GetSheet(ctx, GetSheetFilter{OwnerID: ownerID, WorkbookID: workbookID})
	if err != nil {
		return GradeSheet{}, err
	}
	svc.overlaySheet(&sheet)
	return sheet, nil
}

func (svc *service) QuerySheets(ctx context.Context, filter SheetFilter) ([]GradeSheet, error) {
	sheets, err := svc.repo.QuerySheets(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i := range sheets {
		svc.overlaySheet(&sheets[i])
	}
	return sheets, nil
}

func (svc *service) DeleteSheet(ctx context.Context, id string) error {
	svc.saver.Cancel(sheetKey(id))
	svc.dropPendingMarks(id)
	return svc.repo.DeleteSheet(ctx, id)
}

// SetMark applies the mark in memory and schedules a debounced persist of the
// sheet's full marks array. The caller is not blocked on the write; a failed
// write keeps the in-memory state so the edit can be retried.
func (svc *service) SetMark(sheet *GradeSheet, idx int, mark Mark) error {
	if idx < 0 || idx >= sheet.ProblemCount {
		return core.NewValidationError(nil, core.FieldError{Field: "idx", Error: errMarkIndexOutOfRange})
	}
	if !mark.IsValid() {
		return core.NewValidationError(nil, core.FieldError{Field: "mark", Error: errInvalidMark})
	}
	sheet.Marks[idx] = mark
	sheet.UpdatedAt = time.Now().UTC()
	svc.scheduleMarksFlush(sheet)
	return nil
}

// BulkSetMarks sets every mark in [loIdx, hiIdx] to mark as a single debounce
// target (used for "mark whole chapter").
func (svc *service) BulkSetMarks(sheet *GradeSheet, loIdx, hiIdx int, mark Mark) error {
	if loIdx < 0 || hiIdx >= sheet.ProblemCount || loIdx > hiIdx {
		return core.NewValidationError(nil, core.FieldError{Field: "idx", Error: errInvalidMarkRange})
	}
	if !mark.IsValid() {
		return core.NewValidationError(nil, core.FieldError{Field: "mark", Error: errInvalidMark})
	}
	for i := loIdx; i <= hiIdx; i++ {
		sheet.Marks[i] = mark
	}
	sheet.UpdatedAt = time.Now().UTC()
	svc.scheduleMarksFlush(sheet)
	return nil
}

func (svc *service) scheduleMarksFlush(sheet *GradeSheet) {
	id := sheet.ID
	marks := make([]Mark, len(sheet.Marks))
	copy(marks, sheet.Marks)

	svc.mu.Lock()
	svc.rev++
	rev := svc.rev
	svc.pendingMarks[id] = &pendingMarks{marks: marks, updatedAt: sheet.UpdatedAt, rev: rev}
	svc.mu.Unlock()

	svc.saver.Schedule(sheetKey(id), func(ctx context.Context) error {
		if err := svc.repo.UpdateSheetMarks(ctx, id, marks); err != nil {
			// pending state stays around; the next edit or flush retries it
			return errors.Wrap(err, "persisting marks")
		}
		svc.marksFlushed(id, rev)
		return nil
	})
}

// Expand grows the sheet to newTotal problems, appending unmarked entries and
// sequential default labels, and persists problem_count, marks and labels as
// one write. A no-op when newTotal <= ProblemCount. Unlike ordinary mark
// edits, a failed write rolls the in-memory sheet back to its pre-expand
// shape so the array-length invariant is never left broken.
func (svc *service) Expand(ctx context.Context, sheet *GradeSheet, newTotal int) error {
	if newTotal <= sheet.ProblemCount {
		return nil
	}

	prevCount := sheet.ProblemCount
	prevMarks, prevLabels := sheet.Marks, sheet.Labels
	prevUpdatedAt := sheet.UpdatedAt

	marks := make([]Mark, prevCount, newTotal)
	copy(marks, prevMarks)
	labels := make([]string, prevCount, newTotal)
	copy(labels, prevLabels)
	sheet.Marks = append(marks, NewMarks(newTotal-prevCount)...)
	sheet.Labels = append(labels, DefaultLabels(prevCount, newTotal)...)
	sheet.ProblemCount = newTotal
	sheet.UpdatedAt = time.Now().UTC()

	err := svc.repo.Atomic(ctx, func(tx Repository) error {
		if err := tx.UpdateSheetShape(ctx, sheet.ID, sheet.ProblemCount, sheet.Marks, sheet.Labels); err != nil {
			return errors.Wrap(err, "expanding sheet")
		}
		return syncWorkbookTotal(ctx, tx, sheet)
	})
	if err != nil {
		sheet.ProblemCount = prevCount
		sheet.Marks = prevMarks
		sheet.Labels = prevLabels
		sheet.UpdatedAt = prevUpdatedAt
		return err
	}
	// the shape write persisted the full current marks array; a pending
	// marks-only flush would now write a stale, shorter array
	svc.saver.Cancel(sheetKey(sheet.ID))
	svc.dropPendingMarks(sheet.ID)
	return nil
}

// syncWorkbookTotal propagates a template expansion to the workbook row. Only
// the template sheet (the one owned by the workbook's author) drives
// total_problem_count; student copies growing on their own do not.
func syncWorkbookTotal(ctx context.Context, tx Repository, sheet *GradeSheet) error {
	if !sheet.WorkbookID.Valid {
		return nil
	}
	wb, err := tx.GetWorkbook(ctx, sheet.WorkbookID.String)
	if err != nil {
		return errors.Wrap(err, "loading sheet's workbook")
	}
	if wb.AuthorID != sheet.OwnerID || wb.TotalProblemCount == sheet.ProblemCount {
		return nil
	}
	return errors.Wrap(tx.UpdateWorkbookTotal(ctx, wb.ID, sheet.ProblemCount), "updating workbook total")
}

// CreateChapter appends a chapter at the tail of the sheet, expanding the
// sheet first when needed. Both writes happen in one transaction: a failed
// chapter insert can not leave the sheet expanded with no chapter.
func (svc *service) CreateChapter(ctx context.Context, sheet *GradeSheet, nc NewChapter) (Chapter, error) {
	nc.Title = core.CleanString(nc.Title)
	if nc.Count < 1 {
		return Chapter{}, core.NewValidationError(nil, core.FieldError{Field: "count", Error: errChapterCount})
	}

	start := sheet.ProblemCount
	end := start + nc.Count - 1

	prevCount := sheet.ProblemCount
	prevMarks, prevLabels := sheet.Marks, sheet.Labels
	prevUpdatedAt := sheet.UpdatedAt

	now := time.Now().UTC()
	marks := make([]Mark, prevCount, end+1)
	copy(marks, prevMarks)
	labels := make([]string, prevCount, end+1)
	copy(labels, prevLabels)
	sheet.Marks = append(marks, NewMarks(end+1-prevCount)...)
	sheet.Labels = append(labels, DefaultLabels(prevCount, end+1)...)
	sheet.ProblemCount = end + 1
	sheet.UpdatedAt = now

	ch := Chapter{
		ID:        uuid.New().String(),
		GradeID:   sheet.ID,
		StartIdx:  start,
		EndIdx:    end,
		Title:     null.NewString(nc.Title, nc.Title != ""),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := svc.repo.Atomic(ctx, func(tx Repository) error {
		if err := tx.UpdateSheetShape(ctx, sheet.ID, sheet.ProblemCount, sheet.Marks, sheet.Labels); err != nil {
			return errors.Wrap(err, "expanding sheet")
		}
		var err error
		if ch, err = tx.CreateChapter(ctx, ch); err != nil {
			return errors.Wrap(err, "inserting chapter")
		}
		return syncWorkbookTotal(ctx, tx, sheet)
	})
	if err != nil {
		sheet.ProblemCount = prevCount
		sheet.Marks = prevMarks
		sheet.Labels = prevLabels
		sheet.UpdatedAt = prevUpdatedAt
		return Chapter{}, err
	}
	svc.saver.Cancel(sheetKey(sheet.ID))
	svc.dropPendingMarks(sheet.ID)
	return ch, nil
}

func (svc *service) GetChapter(ctx context.Context, id string) (Chapter, error) {
	ch, err := svc.repo.GetChapter(ctx, id)
	if err != nil {
		return Chapter{}, err
	}
	svc.overlayChapter(&ch)
	return ch, nil
}

func (svc *service) QueryChapters(ctx context.Context, gradeID string) ([]Chapter, error) {
	chapters, err := svc.repo.QueryChapters(ctx, gradeID)
	if err != nil {
		return nil, err
	}
	for i := range chapters {
		svc.overlayChapter(&chapters[i])
	}
	return chapters, nil
}

// DefaultChapter picks the chapter to select on first load of a sheet: the
// most recently updated one. ok is false for an empty slice.
func (svc *service) DefaultChapter(chapters []Chapter) (Chapter, bool) {
	if len(chapters) == 0 {
		return Chapter{}, false
	}
	sorted := make([]Chapter, len(chapters))
	copy(sorted, chapters)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt) })
	return sorted[0], true
}

// RenameChapter is an immediate (non-debounced) write.
func (svc *service) RenameChapter(ctx context.Context, id string, title null.String) (Chapter, error) {
	title.String = core.CleanString(title.String)
	if title.String == "" {
		title.Valid = false
	}
	ch, err := svc.repo.UpdateChapterTitle(ctx, id, title)
	if err != nil {
		return Chapter{}, err
	}
	svc.overlayChapter(&ch)
	return ch, nil
}

// EditChapterNotes applies the given text edits in memory and schedules a
// debounced persist of the chapter's three text fields. A failed write keeps
// the in-memory state so the user can retry without re-typing.
func (svc *service) EditChapterNotes(chapter *Chapter, edit ChapterNotes) {
	if edit.Note != nil {
		chapter.Note = *edit.Note
	}
	if edit.TeacherMemo != nil {
		chapter.TeacherMemo = *edit.TeacherMemo
	}
	if edit.NextHomework != nil {
		chapter.NextHomework = *edit.NextHomework
	}
	chapter.UpdatedAt = time.Now().UTC()

	id := chapter.ID
	note, memo, homework := chapter.Note, chapter.TeacherMemo, chapter.NextHomework

	svc.mu.Lock()
	svc.rev++
	rev := svc.rev
	svc.pendingNotes[id] = &pendingNotes{note: note, memo: memo, homework: homework, updatedAt: chapter.UpdatedAt, rev: rev}
	svc.mu.Unlock()

	svc.saver.Schedule(chapterKey(id), func(ctx context.Context) error {
		if err := svc.repo.UpdateChapterTexts(ctx, id, note, memo, homework); err != nil {
			return errors.Wrap(err, "persisting chapter notes")
		}
		svc.notesFlushed(id, rev)
		return nil
	})
}

// DeleteChapter is an immediate write; any pending notes flush is dropped.
func (svc *service) DeleteChapter(ctx context.Context, id string) error {
	svc.saver.Cancel(chapterKey(id))
	svc.dropPendingNotes(id)
	return svc.repo.DeleteChapter(ctx, id)
}

func (svc *service) Close() {
	svc.saver.Close()
}
