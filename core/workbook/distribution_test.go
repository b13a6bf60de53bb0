package workbook_test

import (
	"context"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/daftari/core"
	"github.com/trezcool/daftari/core/workbook"
	appfs "github.com/trezcool/daftari/fs"
	emailsvc "github.com/trezcool/daftari/services/email"
	testutil "github.com/trezcool/daftari/tests"
)

func TestMain(m *testing.M) {
	core.ParseEmailTemplates(appfs.FS, testutil.NopLogger{})
	os.Exit(m.Run())
}

// fakeDir is a static owner directory.
type fakeDir struct {
	owners map[string]workbook.Owner
}

func (d fakeDir) GetOwners(ctx context.Context, ids []string) ([]workbook.Owner, error) {
	found := make([]workbook.Owner, 0, len(ids))
	for _, id := range ids {
		if o, ok := d.owners[id]; ok {
			found = append(found, o)
		}
	}
	return found, nil
}

// ownerFailRepo fails sheet upserts for one owner; used to exercise
// report-and-continue.
type ownerFailRepo struct {
	workbook.Repository
	failOwnerID string
}

func (r *ownerFailRepo) UpsertSheet(ctx context.Context, sheet workbook.GradeSheet) (workbook.GradeSheet, error) {
	if sheet.OwnerID == r.failOwnerID {
		return workbook.GradeSheet{}, errors.New("upsert failed")
	}
	return r.Repository.UpsertSheet(ctx, sheet)
}

// barrierMailService blocks every send until released, signalling each arrival.
type barrierMailService struct {
	arrived chan struct{}
	release chan struct{}
}

func (s *barrierMailService) SendMessages(messages ...*core.EmailMessage) {
	s.arrived <- struct{}{}
	<-s.release
}

type distributionFixture struct {
	repo     workbook.Repository
	wb       workbook.Workbook
	tmpl     workbook.GradeSheet
	chapters []workbook.Chapter
}

// newDistributionFixture seeds a workbook with a 6-problem template sheet
// (marks partially filled in) and two chapters.
func newDistributionFixture(t *testing.T) distributionFixture {
	t.Helper()
	repo := newTestRepo(t)

	wb := testutil.CreateWorkbook(t, repo, "author1", "Algebra Basics", 6)
	tmpl := testutil.CreateSheet(t, repo, "author1", wb.ID, wb.Title, 6)
	ch1 := testutil.CreateChapter(t, repo, tmpl.ID, "Linear Equations", 0, 2)
	ch2 := testutil.CreateChapter(t, repo, tmpl.ID, "Quadratics", 3, 5)

	// the author has worked through part of the template; these marks must
	// never reach a target
	marks := workbook.NewMarks(6)
	marks[0], marks[1] = workbook.MarkCorrect, workbook.MarkIncorrect
	if err := repo.UpdateSheetMarks(ctx, tmpl.ID, marks); err != nil {
		t.Fatalf("UpdateSheetMarks() failed: %v", err)
	}

	return distributionFixture{repo: repo, wb: wb, tmpl: tmpl, chapters: []workbook.Chapter{ch1, ch2}}
}

func newDistributor(repo workbook.Repository, dir workbook.OwnerDirectory, mailSvc core.EmailService) *workbook.Distributor {
	return workbook.NewDistributor(repo, dir, mailSvc, testutil.NopLogger{}, testutil.NewTestConfig())
}

func TestDistributor_Status(t *testing.T) {
	fix := newDistributionFixture(t)
	d := newDistributor(fix.repo, nil, nil)

	testutil.CreateSheet(t, fix.repo, "student1", fix.wb.ID, fix.wb.Title, 6)

	already, notYet, err := d.Status(ctx, fix.wb.ID, []string{"student1", "student2", "student3"})
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if !reflect.DeepEqual(already, []string{"student1"}) {
		t.Errorf("already = %v, want [student1]", already)
	}
	if !reflect.DeepEqual(notYet, []string{"student2", "student3"}) {
		t.Errorf("notYet = %v, want [student2 student3]", notYet)
	}
}

func TestDistributor_Distribute(t *testing.T) {
	t.Run("clones shape and chapters, never marks", func(t *testing.T) {
		fix := newDistributionFixture(t)
		d := newDistributor(fix.repo, nil, nil)

		report, err := d.Distribute(ctx, fix.wb.ID, []string{"student1", "student2"}, false)
		if err != nil {
			t.Fatalf("Distribute() failed: %v", err)
		}
		if !reflect.DeepEqual(report.Created, []string{"student1", "student2"}) {
			t.Errorf("report.Created = %v, want [student1 student2]", report.Created)
		}
		if len(report.Replaced) != 0 || len(report.Skipped) != 0 || len(report.Failures) != 0 {
			t.Errorf("unexpected report: %+v", report)
		}

		for _, ownerID := range []string{"student1", "student2"} {
			sheet, err := fix.repo.GetSheet(ctx, workbook.GetSheetFilter{OwnerID: ownerID, WorkbookID: fix.wb.ID})
			if err != nil {
				t.Fatalf("GetSheet(%s) failed: %v", ownerID, err)
			}
			if !sheet.CheckShape() || sheet.ProblemCount != 6 {
				t.Errorf("%s: broken shape: count=%d", ownerID, sheet.ProblemCount)
			}
			for i, m := range sheet.Marks {
				if m != workbook.MarkUnmarked {
					t.Errorf("%s: Marks[%d] = %s, template marks must not propagate", ownerID, i, m)
				}
			}

			chapters, err := fix.repo.QueryChapters(ctx, sheet.ID)
			if err != nil {
				t.Fatalf("QueryChapters() failed: %v", err)
			}
			if len(chapters) != 2 {
				t.Fatalf("%s: len(chapters) = %d, want 2", ownerID, len(chapters))
			}
			for i, ch := range chapters {
				want := fix.chapters[i]
				if ch.StartIdx != want.StartIdx || ch.EndIdx != want.EndIdx || ch.Title != want.Title {
					t.Errorf("%s: chapters[%d] = %+v, want range (%d, %d) %q", ownerID, i, ch, want.StartIdx, want.EndIdx, want.Title.String)
				}
				if ch.ID == want.ID || ch.GradeID != sheet.ID {
					t.Errorf("%s: chapters[%d] not a fresh clone", ownerID, i)
				}
			}
		}
	})

	t.Run("re-run without overwrite skips", func(t *testing.T) {
		fix := newDistributionFixture(t)
		d := newDistributor(fix.repo, nil, nil)

		if _, err := d.Distribute(ctx, fix.wb.ID, []string{"student1"}, false); err != nil {
			t.Fatalf("Distribute() failed: %v", err)
		}

		// the student works on their copy
		sheet, err := fix.repo.GetSheet(ctx, workbook.GetSheetFilter{OwnerID: "student1", WorkbookID: fix.wb.ID})
		if err != nil {
			t.Fatalf("GetSheet() failed: %v", err)
		}
		marks := workbook.NewMarks(6)
		marks[3] = workbook.MarkCorrect
		if err := fix.repo.UpdateSheetMarks(ctx, sheet.ID, marks); err != nil {
			t.Fatalf("UpdateSheetMarks() failed: %v", err)
		}

		report, err := d.Distribute(ctx, fix.wb.ID, []string{"student1"}, false)
		if err != nil {
			t.Fatalf("Distribute() failed: %v", err)
		}
		if !reflect.DeepEqual(report.Skipped, []string{"student1"}) {
			t.Errorf("report.Skipped = %v, want [student1]", report.Skipped)
		}
		if !report.NothingToDo() {
			t.Errorf("NothingToDo() = false for %+v", report)
		}

		// the student's progress is untouched
		sheet, err = fix.repo.GetSheet(ctx, workbook.GetSheetFilter{ID: sheet.ID})
		if err != nil {
			t.Fatalf("GetSheet() failed: %v", err)
		}
		if sheet.Marks[3] != workbook.MarkCorrect {
			t.Errorf("sheet.Marks[3] = %s, skip must not touch the sheet", sheet.Marks[3])
		}
	})

	t.Run("overwrite resyncs sheet and chapters", func(t *testing.T) {
		fix := newDistributionFixture(t)
		d := newDistributor(fix.repo, nil, nil)

		if _, err := d.Distribute(ctx, fix.wb.ID, []string{"student1"}, false); err != nil {
			t.Fatalf("Distribute() failed: %v", err)
		}
		sheet, err := fix.repo.GetSheet(ctx, workbook.GetSheetFilter{OwnerID: "student1", WorkbookID: fix.wb.ID})
		if err != nil {
			t.Fatalf("GetSheet() failed: %v", err)
		}
		// student progress and a local chapter, both blown away by the resync
		marks := workbook.NewMarks(6)
		marks[0] = workbook.MarkPartial
		if err := fix.repo.UpdateSheetMarks(ctx, sheet.ID, marks); err != nil {
			t.Fatalf("UpdateSheetMarks() failed: %v", err)
		}
		testutil.CreateChapter(t, fix.repo, sheet.ID, "My Own Chapter", 0, 5)

		report, err := d.Distribute(ctx, fix.wb.ID, []string{"student1"}, true)
		if err != nil {
			t.Fatalf("Distribute() failed: %v", err)
		}
		if !reflect.DeepEqual(report.Replaced, []string{"student1"}) {
			t.Errorf("report.Replaced = %v, want [student1]", report.Replaced)
		}

		sheet, err = fix.repo.GetSheet(ctx, workbook.GetSheetFilter{OwnerID: "student1", WorkbookID: fix.wb.ID})
		if err != nil {
			t.Fatalf("GetSheet() failed: %v", err)
		}
		for i, m := range sheet.Marks {
			if m != workbook.MarkUnmarked {
				t.Errorf("Marks[%d] = %s, overwrite must reset marks", i, m)
			}
		}
		chapters, err := fix.repo.QueryChapters(ctx, sheet.ID)
		if err != nil {
			t.Fatalf("QueryChapters() failed: %v", err)
		}
		if len(chapters) != 2 {
			t.Fatalf("len(chapters) = %d, want 2 (template's only)", len(chapters))
		}
		for _, ch := range chapters {
			if ch.Title.String == "My Own Chapter" {
				t.Error("local chapter survived the resync")
			}
		}
	})

	t.Run("missing template aborts before any write", func(t *testing.T) {
		repo := newTestRepo(t)
		wb := testutil.CreateWorkbook(t, repo, "author1", "No Template", 5)
		d := newDistributor(repo, nil, nil)

		_, err := d.Distribute(ctx, wb.ID, []string{"student1"}, false)
		if errors.Cause(err) != workbook.ErrTemplateNotFound {
			t.Fatalf("Distribute() error = %v, want %v", err, workbook.ErrTemplateNotFound)
		}

		sheets, err := repo.QuerySheets(ctx, workbook.SheetFilter{WorkbookID: wb.ID})
		if err != nil {
			t.Fatalf("QuerySheets() failed: %v", err)
		}
		if len(sheets) != 0 {
			t.Errorf("len(sheets) = %d, want 0", len(sheets))
		}
	})

	t.Run("unknown workbook", func(t *testing.T) {
		fix := newDistributionFixture(t)
		d := newDistributor(fix.repo, nil, nil)

		_, err := d.Distribute(ctx, "nope", []string{"student1"}, false)
		if errors.Cause(err) != workbook.ErrWorkbookNotFound {
			t.Errorf("Distribute() error = %v, want %v", err, workbook.ErrWorkbookNotFound)
		}
	})

	t.Run("no targets", func(t *testing.T) {
		fix := newDistributionFixture(t)
		d := newDistributor(fix.repo, nil, nil)

		_, err := d.Distribute(ctx, fix.wb.ID, nil, false)
		var vErr *core.ValidationError
		if !errors.As(err, &vErr) {
			t.Errorf("Distribute() error = %v, want a validation error", err)
		}
	})

	t.Run("one failing target does not stop the rest", func(t *testing.T) {
		fix := newDistributionFixture(t)
		failing := &ownerFailRepo{Repository: fix.repo, failOwnerID: "student2"}
		d := newDistributor(failing, nil, nil)

		report, err := d.Distribute(ctx, fix.wb.ID, []string{"student1", "student2", "student3"}, false)

		var pErr *workbook.PartialDistributionError
		if !errors.As(err, &pErr) {
			t.Fatalf("Distribute() error = %v, want a partial distribution error", err)
		}
		if len(pErr.Failures) != 1 || pErr.Failures[0].OwnerID != "student2" {
			t.Fatalf("Failures = %+v, want one for student2", pErr.Failures)
		}
		if !reflect.DeepEqual(report.Created, []string{"student1", "student3"}) {
			t.Errorf("report.Created = %v, want [student1 student3]", report.Created)
		}

		// the healthy targets got their sheets
		for _, ownerID := range []string{"student1", "student3"} {
			if _, err := fix.repo.GetSheet(ctx, workbook.GetSheetFilter{OwnerID: ownerID, WorkbookID: fix.wb.ID}); err != nil {
				t.Errorf("GetSheet(%s) failed: %v", ownerID, err)
			}
		}
	})

	t.Run("notifies targets with a directory entry", func(t *testing.T) {
		fix := newDistributionFixture(t)
		dir := fakeDir{owners: map[string]workbook.Owner{
			"student1": {ID: "student1", Name: "Amani", Email: "amani@test.cd"},
		}}
		mailSvc := emailsvc.NewConsoleServiceMock(testutil.NewTestConfig())
		d := newDistributor(fix.repo, dir, mailSvc)

		sentBefore := len(emailsvc.SentMessages)
		// student2 has no directory entry; cloned but not notified
		if _, err := d.Distribute(ctx, fix.wb.ID, []string{"student1", "student2"}, false); err != nil {
			t.Fatalf("Distribute() failed: %v", err)
		}

		sent := emailsvc.SentMessages[sentBefore:]
		if len(sent) != 1 {
			t.Fatalf("len(sent) = %d, want 1", len(sent))
		}
		msg := sent[0]
		if msg.To[0].Address != "amani@test.cd" {
			t.Errorf("To = %v, want amani@test.cd", msg.To)
		}
		if !strings.Contains(msg.Subject, fix.wb.Title) {
			t.Errorf("Subject = %q, want the workbook title in it", msg.Subject)
		}
		if !strings.Contains(msg.TextContent, fix.wb.Title) || !strings.Contains(msg.TextContent, "Amani") {
			t.Errorf("TextContent = %q, want the workbook title and owner name in it", msg.TextContent)
		}
	})

	t.Run("notifications do not serialize the worker pool", func(t *testing.T) {
		fix := newDistributionFixture(t)
		dir := fakeDir{owners: map[string]workbook.Owner{
			"student1": {ID: "student1", Name: "Amani", Email: "amani@test.cd"},
			"student2": {ID: "student2", Name: "Biko", Email: "biko@test.cd"},
		}}
		mailSvc := &barrierMailService{arrived: make(chan struct{}), release: make(chan struct{})}
		d := newDistributor(fix.repo, dir, mailSvc)

		done := make(chan error, 1)
		go func() {
			_, err := d.Distribute(ctx, fix.wb.ID, []string{"student1", "student2"}, false)
			done <- err
		}()

		// both sends must be in flight at once; a send stuck behind another
		// worker's in-progress send never arrives
		for i := 0; i < 2; i++ {
			select {
			case <-mailSvc.arrived:
			case <-time.After(2 * time.Second):
				t.Fatal("notifications never overlapped")
			}
		}
		close(mailSvc.release)
		if err := <-done; err != nil {
			t.Fatalf("Distribute() failed: %v", err)
		}
	})
}
