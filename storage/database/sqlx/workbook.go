package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/daftari/core/workbook"
)

type workbookRepository struct {
	db  *sqlx.DB // nil when transaction-bound
	ext sqlx.ExtContext
}

var _ workbook.Repository = (*workbookRepository)(nil)

func NewWorkbookRepository(db *sqlx.DB) workbook.Repository {
	return &workbookRepository{db: db, ext: db}
}

// Atomic runs fn against a transaction-bound copy of the repository. Nested
// calls reuse the enclosing transaction.
func (repo *workbookRepository) Atomic(ctx context.Context, fn func(tx workbook.Repository) error) error {
	if repo.db == nil {
		return fn(repo)
	}

	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err = fn(&workbookRepository{ext: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

// ------------------------------------------------------------------ workbooks

type workbookRow struct {
	ID                string    `db:"id"`
	AuthorID          string    `db:"author_id"`
	Title             string    `db:"title"`
	TotalProblemCount int       `db:"total_problem_count"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r workbookRow) toCore() workbook.Workbook {
	return workbook.Workbook{
		ID:                r.ID,
		AuthorID:          r.AuthorID,
		Title:             r.Title,
		TotalProblemCount: r.TotalProblemCount,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
}

func (repo *workbookRepository) CreateWorkbook(ctx context.Context, wb workbook.Workbook) (workbook.Workbook, error) {
	const q = `
	INSERT INTO workbook (id, author_id, title, total_problem_count, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := repo.ext.ExecContext(ctx, q, wb.ID, wb.AuthorID, wb.Title, wb.TotalProblemCount, wb.CreatedAt, wb.UpdatedAt)
	if err != nil {
		return workbook.Workbook{}, errors.Wrap(err, "inserting workbook")
	}
	return wb, nil
}

func (repo *workbookRepository) GetWorkbook(ctx context.Context, id string) (workbook.Workbook, error) {
	const q = `
	SELECT id, author_id, title, total_problem_count, created_at, updated_at
	FROM workbook WHERE id = $1`

	var row workbookRow
	if err := sqlx.GetContext(ctx, repo.ext, &row, q, id); err != nil {
		if err == sql.ErrNoRows {
			return workbook.Workbook{}, workbook.ErrWorkbookNotFound
		}
		return workbook.Workbook{}, errors.Wrap(err, "selecting workbook")
	}
	return row.toCore(), nil
}

func (repo *workbookRepository) QueryWorkbooks(ctx context.Context) ([]workbook.Workbook, error) {
	const q = `
	SELECT id, author_id, title, total_problem_count, created_at, updated_at
	FROM workbook ORDER BY created_at`

	var rows []workbookRow
	if err := sqlx.SelectContext(ctx, repo.ext, &rows, q); err != nil {
		return nil, errors.Wrap(err, "selecting workbooks")
	}
	wbs := make([]workbook.Workbook, 0, len(rows))
	for _, row := range rows {
		wbs = append(wbs, row.toCore())
	}
	return wbs, nil
}

func (repo *workbookRepository) UpdateWorkbookTotal(ctx context.Context, id string, total int) error {
	const q = `UPDATE workbook SET total_problem_count = $2, updated_at = $3 WHERE id = $1`

	res, err := repo.ext.ExecContext(ctx, q, id, total, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "updating workbook total")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "checking affected rows")
	}
	if n == 0 {
		return workbook.ErrWorkbookNotFound
	}
	return nil
}

// ---------------------------------------------------------------- gradesheets

type sheetRow struct {
	ID           string         `db:"id"`
	OwnerID      string         `db:"owner_id"`
	WorkbookID   null.String    `db:"workbook_id"`
	Title        string         `db:"title"`
	ProblemCount int            `db:"problem_count"`
	Marks        pq.StringArray `db:"marks"`
	Labels       pq.StringArray `db:"labels"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r sheetRow) toCore() workbook.GradeSheet {
	marks := make([]workbook.Mark, len(r.Marks))
	for i, m := range r.Marks {
		marks[i] = workbook.Mark(m)
	}
	return workbook.GradeSheet{
		ID:           r.ID,
		OwnerID:      r.OwnerID,
		WorkbookID:   r.WorkbookID,
		Title:        r.Title,
		ProblemCount: r.ProblemCount,
		Marks:        marks,
		Labels:       r.Labels,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

func marksArray(marks []workbook.Mark) pq.StringArray {
	arr := make(pq.StringArray, len(marks))
	for i, m := range marks {
		arr[i] = string(m)
	}
	return arr
}

const sheetCols = `id, owner_id, workbook_id, title, problem_count, marks, labels, created_at, updated_at`

func (repo *workbookRepository) CreateSheet(ctx context.Context, sheet workbook.GradeSheet) (workbook.GradeSheet, error) {
	const q = `
	INSERT INTO grade_sheet (id, owner_id, workbook_id, title, problem_count, marks, labels, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := repo.ext.ExecContext(ctx, q,
		sheet.ID, sheet.OwnerID, sheet.WorkbookID, sheet.Title, sheet.ProblemCount,
		marksArray(sheet.Marks), pq.StringArray(sheet.Labels), sheet.CreatedAt, sheet.UpdatedAt,
	)
	if err != nil {
		return workbook.GradeSheet{}, errors.Wrap(err, "inserting grade sheet")
	}
	return sheet, nil
}

func (repo *workbookRepository) UpsertSheet(ctx context.Context, sheet workbook.GradeSheet) (workbook.GradeSheet, error) {
	const q = `
	INSERT INTO grade_sheet (id, owner_id, workbook_id, title, problem_count, marks, labels, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (owner_id, workbook_id) WHERE workbook_id IS NOT NULL
	DO UPDATE SET title = EXCLUDED.title, problem_count = EXCLUDED.problem_count,
	              marks = EXCLUDED.marks, labels = EXCLUDED.labels, updated_at = EXCLUDED.updated_at
	RETURNING ` + sheetCols

	var row sheetRow
	err := sqlx.GetContext(ctx, repo.ext, &row, q,
		sheet.ID, sheet.OwnerID, sheet.WorkbookID, sheet.Title, sheet.ProblemCount,
		marksArray(sheet.Marks), pq.StringArray(sheet.Labels), sheet.CreatedAt, sheet.UpdatedAt,
	)
	if err != nil {
		return workbook.GradeSheet{}, errors.Wrap(err, "upserting grade sheet")
	}
	return row.toCore(), nil
}

func (repo *workbookRepository) GetSheet(ctx context.Context, filter workbook.GetSheetFilter) (workbook.GradeSheet, error) {
	q := `SELECT ` + sheetCols + ` FROM grade_sheet WHERE `
	var args []interface{}
	if filter.ID != "" {
		q += `id = $1`
		args = append(args, filter.ID)
	} else {
		q += `owner_id = $1 AND workbook_id = $2`
		args = append(args, filter.OwnerID, filter.WorkbookID)
	}

	var row sheetRow
	if err := sqlx.GetContext(ctx, repo.ext, &row, q, args...); err != nil {
		if err == sql.ErrNoRows {
			return workbook.GradeSheet{}, workbook.ErrSheetNotFound
		}
		return workbook.GradeSheet{}, errors.Wrap(err, "selecting grade sheet")
	}
	return row.toCore(), nil
}

func (repo *workbookRepository) QuerySheets(ctx context.Context, filter workbook.SheetFilter) ([]workbook.GradeSheet, error) {
	q := `SELECT ` + sheetCols + ` FROM grade_sheet WHERE true`
	var args []interface{}
	if filter.OwnerID != "" {
		q += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	if filter.WorkbookID != "" {
		q += ` AND workbook_id = ?`
		args = append(args, filter.WorkbookID)
	}
	if len(filter.OwnerIDs) > 0 {
		q += ` AND owner_id IN (?)`
		args = append(args, filter.OwnerIDs)
	}
	q += ` ORDER BY created_at`

	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "building grade sheet query")
	}
	q = repo.ext.Rebind(q)

	var rows []sheetRow
	if err = sqlx.SelectContext(ctx, repo.ext, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "selecting grade sheets")
	}
	sheets := make([]workbook.GradeSheet, 0, len(rows))
	for _, row := range rows {
		sheets = append(sheets, row.toCore())
	}
	return sheets, nil
}

func (repo *workbookRepository) UpdateSheetMarks(ctx context.Context, id string, marks []workbook.Mark) error {
	const q = `UPDATE grade_sheet SET marks = $2, updated_at = $3 WHERE id = $1`

	res, err := repo.ext.ExecContext(ctx, q, id, marksArray(marks), time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "updating marks")
	}
	return checkSheetAffected(res)
}

func (repo *workbookRepository) UpdateSheetShape(ctx context.Context, id string, problemCount int, marks []workbook.Mark, labels []string) error {
	const q = `
	UPDATE grade_sheet SET problem_count = $2, marks = $3, labels = $4, updated_at = $5
	WHERE id = $1`

	res, err := repo.ext.ExecContext(ctx, q, id, problemCount, marksArray(marks), pq.StringArray(labels), time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "updating sheet shape")
	}
	return checkSheetAffected(res)
}

func (repo *workbookRepository) DeleteSheet(ctx context.Context, id string) error {
	// chapters go via ON DELETE CASCADE
	_, err := repo.ext.ExecContext(ctx, `DELETE FROM grade_sheet WHERE id = $1`, id)
	return errors.Wrap(err, "deleting grade sheet")
}

func checkSheetAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "checking affected rows")
	}
	if n == 0 {
		return workbook.ErrSheetNotFound
	}
	return nil
}

// ------------------------------------------------------------------- chapters

type chapterRow struct {
	ID           string      `db:"id"`
	GradeID      string      `db:"grade_id"`
	StartIdx     int         `db:"start_idx"`
	EndIdx       int         `db:"end_idx"`
	Title        null.String `db:"title"`
	Note         string      `db:"note"`
	TeacherMemo  string      `db:"teacher_memo"`
	NextHomework string      `db:"next_homework"`
	CreatedAt    time.Time   `db:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at"`
}

func (r chapterRow) toCore() workbook.Chapter {
	return workbook.Chapter{
		ID:           r.ID,
		GradeID:      r.GradeID,
		StartIdx:     r.StartIdx,
		EndIdx:       r.EndIdx,
		Title:        r.Title,
		Note:         r.Note,
		TeacherMemo:  r.TeacherMemo,
		NextHomework: r.NextHomework,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

const chapterCols = `id, grade_id, start_idx, end_idx, title, note, teacher_memo, next_homework, created_at, updated_at`

func (repo *workbookRepository) CreateChapter(ctx context.Context, ch workbook.Chapter) (workbook.Chapter, error) {
	const q = `
	INSERT INTO chapter (id, grade_id, start_idx, end_idx, title, note, teacher_memo, next_homework, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := repo.ext.ExecContext(ctx, q,
		ch.ID, ch.GradeID, ch.StartIdx, ch.EndIdx, ch.Title,
		ch.Note, ch.TeacherMemo, ch.NextHomework, ch.CreatedAt, ch.UpdatedAt,
	)
	if err != nil {
		return workbook.Chapter{}, errors.Wrap(err, "inserting chapter")
	}
	return ch, nil
}

func (repo *workbookRepository) GetChapter(ctx context.Context, id string) (workbook.Chapter, error) {
	q := `SELECT ` + chapterCols + ` FROM chapter WHERE id = $1`

	var row chapterRow
	if err := sqlx.GetContext(ctx, repo.ext, &row, q, id); err != nil {
		if err == sql.ErrNoRows {
			return workbook.Chapter{}, workbook.ErrChapterNotFound
		}
		return workbook.Chapter{}, errors.Wrap(err, "selecting chapter")
	}
	return row.toCore(), nil
}

func (repo *workbookRepository) QueryChapters(ctx context.Context, gradeID string) ([]workbook.Chapter, error) {
	q := `SELECT ` + chapterCols + ` FROM chapter WHERE grade_id = $1 ORDER BY start_idx, end_idx`

	var rows []chapterRow
	if err := sqlx.SelectContext(ctx, repo.ext, &rows, q, gradeID); err != nil {
		return nil, errors.Wrap(err, "selecting chapters")
	}
	chapters := make([]workbook.Chapter, 0, len(rows))
	for _, row := range rows {
		chapters = append(chapters, row.toCore())
	}
	return chapters, nil
}

func (repo *workbookRepository) UpdateChapterTitle(ctx context.Context, id string, title null.String) (workbook.Chapter, error) {
	const q = `UPDATE chapter SET title = $2, updated_at = $3 WHERE id = $1 RETURNING ` + chapterCols

	var row chapterRow
	if err := sqlx.GetContext(ctx, repo.ext, &row, q, id, title, time.Now().UTC()); err != nil {
		if err == sql.ErrNoRows {
			return workbook.Chapter{}, workbook.ErrChapterNotFound
		}
		return workbook.Chapter{}, errors.Wrap(err, "updating chapter title")
	}
	return row.toCore(), nil
}

func (repo *workbookRepository) UpdateChapterTexts(ctx context.Context, id string, note, memo, homework string) error {
	const q = `
	UPDATE chapter SET note = $2, teacher_memo = $3, next_homework = $4, updated_at = $5
	WHERE id = $1`

	res, err := repo.ext.ExecContext(ctx, q, id, note, memo, homework, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "updating chapter texts")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "checking affected rows")
	}
	if n == 0 {
		return workbook.ErrChapterNotFound
	}
	return nil
}

func (repo *workbookRepository) DeleteChapter(ctx context.Context, id string) error {
	_, err := repo.ext.ExecContext(ctx, `DELETE FROM chapter WHERE id = $1`, id)
	return errors.Wrap(err, "deleting chapter")
}

func (repo *workbookRepository) DeleteChaptersByGradeID(ctx context.Context, gradeID string) error {
	_, err := repo.ext.ExecContext(ctx, `DELETE FROM chapter WHERE grade_id = $1`, gradeID)
	return errors.Wrap(err, "deleting chapters")
}
