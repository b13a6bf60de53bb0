package inmemdb

import (
	"context"
	"sort"
	"time"

	"github.com/volatiletech/null/v8"

	"github.com/trezcool/daftari/core/workbook"
)

type workbookRepository struct {
	db *DB
	// inTx repositories skip locking; Atomic holds the write lock for the
	// whole transaction.
	inTx bool
}

var _ workbook.Repository = (*workbookRepository)(nil)

func NewWorkbookRepository(db *DB) workbook.Repository {
	return &workbookRepository{db: db}
}

func (repo *workbookRepository) lock() {
	if !repo.inTx {
		repo.db.mutex.Lock()
	}
}
func (repo *workbookRepository) unlock() {
	if !repo.inTx {
		repo.db.mutex.Unlock()
	}
}
func (repo *workbookRepository) rlock() {
	if !repo.inTx {
		repo.db.mutex.RLock()
	}
}
func (repo *workbookRepository) runlock() {
	if !repo.inTx {
		repo.db.mutex.RUnlock()
	}
}

func copySheet(s workbook.GradeSheet) workbook.GradeSheet {
	marks := make([]workbook.Mark, len(s.Marks))
	copy(marks, s.Marks)
	labels := make([]string, len(s.Labels))
	copy(labels, s.Labels)
	s.Marks = marks
	s.Labels = labels
	return s
}

// Atomic takes the write lock, snapshots the workbook tables and runs fn on a
// lock-free transaction-bound repository; a non-nil error restores the
// snapshot. Nested calls reuse the enclosing transaction.
func (repo *workbookRepository) Atomic(ctx context.Context, fn func(tx workbook.Repository) error) error {
	if repo.inTx {
		return fn(repo)
	}

	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	workbooks := make(map[string]*workbook.Workbook, len(repo.db.workbooks))
	for id, wb := range repo.db.workbooks {
		cp := *wb
		workbooks[id] = &cp
	}
	sheets := make(map[string]*workbook.GradeSheet, len(repo.db.sheets))
	for id, s := range repo.db.sheets {
		cp := copySheet(*s)
		sheets[id] = &cp
	}
	chapters := make(map[string]*workbook.Chapter, len(repo.db.chapters))
	for id, ch := range repo.db.chapters {
		cp := *ch
		chapters[id] = &cp
	}

	if err := fn(&workbookRepository{db: repo.db, inTx: true}); err != nil {
		repo.db.workbooks = workbooks
		repo.db.sheets = sheets
		repo.db.chapters = chapters
		return err
	}
	return nil
}

// ------------------------------------------------------------------ workbooks

func (repo *workbookRepository) CreateWorkbook(ctx context.Context, wb workbook.Workbook) (workbook.Workbook, error) {
	repo.lock()
	defer repo.unlock()

	repo.db.workbooks[wb.ID] = &wb
	return wb, nil
}

func (repo *workbookRepository) GetWorkbook(ctx context.Context, id string) (workbook.Workbook, error) {
	repo.rlock()
	defer repo.runlock()

	if wb, ok := repo.db.workbooks[id]; ok {
		return *wb, nil
	}
	return workbook.Workbook{}, workbook.ErrWorkbookNotFound
}

func (repo *workbookRepository) QueryWorkbooks(ctx context.Context) ([]workbook.Workbook, error) {
	repo.rlock()
	defer repo.runlock()

	wbs := make([]workbook.Workbook, 0, len(repo.db.workbooks))
	for _, wb := range repo.db.workbooks {
		wbs = append(wbs, *wb)
	}
	sort.Slice(wbs, func(i, j int) bool { return wbs[i].CreatedAt.Before(wbs[j].CreatedAt) })
	return wbs, nil
}

func (repo *workbookRepository) UpdateWorkbookTotal(ctx context.Context, id string, total int) error {
	repo.lock()
	defer repo.unlock()

	wb, ok := repo.db.workbooks[id]
	if !ok {
		return workbook.ErrWorkbookNotFound
	}
	wb.TotalProblemCount = total
	wb.UpdatedAt = time.Now().UTC()
	return nil
}

// ---------------------------------------------------------------- gradesheets

func (repo *workbookRepository) CreateSheet(ctx context.Context, sheet workbook.GradeSheet) (workbook.GradeSheet, error) {
	repo.lock()
	defer repo.unlock()

	cp := copySheet(sheet)
	repo.db.sheets[sheet.ID] = &cp
	return sheet, nil
}

func (repo *workbookRepository) UpsertSheet(ctx context.Context, sheet workbook.GradeSheet) (workbook.GradeSheet, error) {
	repo.lock()
	defer repo.unlock()

	if sheet.WorkbookID.Valid {
		for _, s := range repo.db.sheets {
			if s.OwnerID == sheet.OwnerID && s.WorkbookID == sheet.WorkbookID {
				s.Title = sheet.Title
				s.ProblemCount = sheet.ProblemCount
				cp := copySheet(sheet)
				s.Marks = cp.Marks
				s.Labels = cp.Labels
				s.UpdatedAt = sheet.UpdatedAt
				return copySheet(*s), nil
			}
		}
	}
	cp := copySheet(sheet)
	repo.db.sheets[sheet.ID] = &cp
	return sheet, nil
}

func (repo *workbookRepository) GetSheet(ctx context.Context, filter workbook.GetSheetFilter) (workbook.GradeSheet, error) {
	repo.rlock()
	defer repo.runlock()

	if filter.ID != "" {
		if s, ok := repo.db.sheets[filter.ID]; ok {
			return copySheet(*s), nil
		}
		return workbook.GradeSheet{}, workbook.ErrSheetNotFound
	}
	for _, s := range repo.db.sheets {
		if s.OwnerID == filter.OwnerID && s.WorkbookID == null.StringFrom(filter.WorkbookID) {
			return copySheet(*s), nil
		}
	}
	return workbook.GradeSheet{}, workbook.ErrSheetNotFound
}

func (repo *workbookRepository) QuerySheets(ctx context.Context, filter workbook.SheetFilter) ([]workbook.GradeSheet, error) {
	repo.rlock()
	defer repo.runlock()

	ownerSet := make(map[string]bool, len(filter.OwnerIDs))
	for _, id := range filter.OwnerIDs {
		ownerSet[id] = true
	}

	var sheets []workbook.GradeSheet
	for _, s := range repo.db.sheets {
		if filter.OwnerID != "" && s.OwnerID != filter.OwnerID {
			continue
		}
		if filter.WorkbookID != "" && s.WorkbookID != null.StringFrom(filter.WorkbookID) {
			continue
		}
		if len(filter.OwnerIDs) > 0 && !ownerSet[s.OwnerID] {
			continue
		}
		sheets = append(sheets, copySheet(*s))
	}
	sort.Slice(sheets, func(i, j int) bool { return sheets[i].CreatedAt.Before(sheets[j].CreatedAt) })
	return sheets, nil
}

func (repo *workbookRepository) UpdateSheetMarks(ctx context.Context, id string, marks []workbook.Mark) error {
	repo.lock()
	defer repo.unlock()

	s, ok := repo.db.sheets[id]
	if !ok {
		return workbook.ErrSheetNotFound
	}
	cp := make([]workbook.Mark, len(marks))
	copy(cp, marks)
	s.Marks = cp
	return nil
}

func (repo *workbookRepository) UpdateSheetShape(ctx context.Context, id string, problemCount int, marks []workbook.Mark, labels []string) error {
	repo.lock()
	defer repo.unlock()

	s, ok := repo.db.sheets[id]
	if !ok {
		return workbook.ErrSheetNotFound
	}
	mcp := make([]workbook.Mark, len(marks))
	copy(mcp, marks)
	lcp := make([]string, len(labels))
	copy(lcp, labels)
	s.ProblemCount = problemCount
	s.Marks = mcp
	s.Labels = lcp
	return nil
}

func (repo *workbookRepository) DeleteSheet(ctx context.Context, id string) error {
	repo.lock()
	defer repo.unlock()

	delete(repo.db.sheets, id)
	for chID, ch := range repo.db.chapters {
		if ch.GradeID == id {
			delete(repo.db.chapters, chID)
		}
	}
	return nil
}

// ------------------------------------------------------------------- chapters

func (repo *workbookRepository) CreateChapter(ctx context.Context, ch workbook.Chapter) (workbook.Chapter, error) {
	repo.lock()
	defer repo.unlock()

	repo.db.chapters[ch.ID] = &ch
	return ch, nil
}

func (repo *workbookRepository) GetChapter(ctx context.Context, id string) (workbook.Chapter, error) {
	repo.rlock()
	defer repo.runlock()

	if ch, ok := repo.db.chapters[id]; ok {
		return *ch, nil
	}
	return workbook.Chapter{}, workbook.ErrChapterNotFound
}

func (repo *workbookRepository) QueryChapters(ctx context.Context, gradeID string) ([]workbook.Chapter, error) {
	repo.rlock()
	defer repo.runlock()

	var chapters []workbook.Chapter
	for _, ch := range repo.db.chapters {
		if ch.GradeID == gradeID {
			chapters = append(chapters, *ch)
		}
	}
	sort.Slice(chapters, func(i, j int) bool {
		if chapters[i].StartIdx != chapters[j].StartIdx {
			return chapters[i].StartIdx < chapters[j].StartIdx
		}
		return chapters[i].EndIdx < chapters[j].EndIdx
	})
	return chapters, nil
}

func (repo *workbookRepository) UpdateChapterTitle(ctx context.Context, id string, title null.String) (workbook.Chapter, error) {
	repo.lock()
	defer repo.unlock()

	ch, ok := repo.db.chapters[id]
	if !ok {
		return workbook.Chapter{}, workbook.ErrChapterNotFound
	}
	ch.Title = title
	return *ch, nil
}

func (repo *workbookRepository) UpdateChapterTexts(ctx context.Context, id string, note, memo, homework string) error {
	repo.lock()
	defer repo.unlock()

	ch, ok := repo.db.chapters[id]
	if !ok {
		return workbook.ErrChapterNotFound
	}
	ch.Note = note
	ch.TeacherMemo = memo
	ch.NextHomework = homework
	return nil
}

func (repo *workbookRepository) DeleteChapter(ctx context.Context, id string) error {
	repo.lock()
	defer repo.unlock()

	delete(repo.db.chapters, id)
	return nil
}

func (repo *workbookRepository) DeleteChaptersByGradeID(ctx context.Context, gradeID string) error {
	repo.lock()
	defer repo.unlock()

	for id, ch := range repo.db.chapters {
		if ch.GradeID == gradeID {
			delete(repo.db.chapters, id)
		}
	}
	return nil
}
