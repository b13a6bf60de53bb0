package workbook

import (
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/daftari/core"
)

// Mark is the completion state of a single problem on a GradeSheet.
type Mark string

const (
	MarkUnmarked  Mark = "unmarked"
	MarkCorrect   Mark = "correct"
	MarkIncorrect Mark = "incorrect"
	MarkPartial   Mark = "partial"
)

var AllMarks = []Mark{MarkUnmarked, MarkCorrect, MarkIncorrect, MarkPartial}

func (m Mark) IsValid() bool {
	switch m {
	case MarkUnmarked, MarkCorrect, MarkIncorrect, MarkPartial:
		return true
	}
	return false
}

// CycleMark returns the mark following m in the fixed single-click toggling
// order: unmarked → correct → incorrect → partial → unmarked.
func CycleMark(m Mark) Mark {
	switch m {
	case MarkCorrect:
		return MarkIncorrect
	case MarkIncorrect:
		return MarkPartial
	case MarkPartial:
		return MarkUnmarked
	default: // unmarked or anything unknown
		return MarkCorrect
	}
}

// NewMarks returns n all-unmarked marks.
func NewMarks(n int) []Mark {
	marks := make([]Mark, n)
	for i := range marks {
		marks[i] = MarkUnmarked
	}
	return marks
}

// DefaultLabels returns the display labels for problems [from, to): 1-based
// index strings.
func DefaultLabels(from, to int) []string {
	labels := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		labels = append(labels, strconv.Itoa(i+1))
	}
	return labels
}

// Workbook is the canonical, shared problem-set template from which
// per-student GradeSheets are cloned.
type Workbook struct {
	ID                string    `json:"id"`
	AuthorID          string    `json:"author_id"` // authoring staff member; owner of the template sheet
	Title             string    `json:"title"`
	TotalProblemCount int       `json:"total_problem_count"`
	CreatedAt         time.Time `json:"created_at"` // UTC
	UpdatedAt         time.Time `json:"updated_at"` // UTC
}

// GradeSheet is one owner's concrete tracking instance: a mark and a display
// label per problem, optionally linked to a Workbook template.
//
// Invariant: len(Marks) == len(Labels) == ProblemCount at all times.
type GradeSheet struct {
	ID           string      `json:"id"`
	OwnerID      string      `json:"owner_id"`
	WorkbookID   null.String `json:"workbook_id"` // null: standalone, non-templated sheet
	Title        string      `json:"title"`
	ProblemCount int         `json:"problem_count"`
	Marks        []Mark      `json:"marks"`
	Labels       []string    `json:"labels"`
	CreatedAt    time.Time   `json:"created_at"` // UTC
	UpdatedAt    time.Time   `json:"updated_at"` // UTC
}

// CheckShape reports whether the marks/labels/problem_count invariant holds.
func (s *GradeSheet) CheckShape() bool {
	return len(s.Marks) == s.ProblemCount && len(s.Labels) == s.ProblemCount
}

// Chapter is a named, contiguous sub-range of a GradeSheet's problems.
// StartIdx/EndIdx are 0-based and conceptually inclusive; legacy rows may
// store them reversed or out of the sheet's current bounds, so every read
// goes through EffectiveRange.
type Chapter struct {
	ID           string      `json:"id"`
	GradeID      string      `json:"grade_id"`
	StartIdx     int         `json:"start_idx"`
	EndIdx       int         `json:"end_idx"`
	Title        null.String `json:"chapter_title"`
	Note         string      `json:"chapter_note"`  // student-facing
	TeacherMemo  string      `json:"teacher_memo"`  // teacher-only
	NextHomework string      `json:"next_homework"` // teacher-only
	CreatedAt    time.Time   `json:"created_at"`    // UTC
	UpdatedAt    time.Time   `json:"updated_at"`    // UTC
}

// EffectiveRange returns the chapter's usable problem range: both stored
// indices clamped to [0, problemCount-1] and ordered so that lo <= hi.
// Sheets are append-only and chapters are never renumbered, hence the
// clamping at read time rather than at write time.
func (c Chapter) EffectiveRange(problemCount int) (lo, hi int) {
	clamp := func(idx int) int {
		if idx < 0 {
			return 0
		}
		if idx > problemCount-1 {
			return problemCount - 1
		}
		return idx
	}
	lo, hi = clamp(c.StartIdx), clamp(c.EndIdx)
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi
}

// FilterMode selects which problems of a chapter a view displays.
type FilterMode string

const (
	FilterAll              FilterMode = "all"
	FilterIncorrectOnly    FilterMode = "incorrectOnly"
	FilterBlankOnly        FilterMode = "blankOnly"
	FilterIncorrectOrBlank FilterMode = "incorrectOrBlank"
)

func (m FilterMode) IsValid() bool {
	switch m {
	case FilterAll, FilterIncorrectOnly, FilterBlankOnly, FilterIncorrectOrBlank:
		return true
	}
	return false
}

func (m FilterMode) matches(mark Mark) bool {
	switch m {
	case FilterIncorrectOnly:
		return mark == MarkIncorrect
	case FilterBlankOnly:
		return mark == MarkUnmarked
	case FilterIncorrectOrBlank:
		return mark == MarkIncorrect || mark == MarkUnmarked
	default:
		return true
	}
}

// FilterView returns the ordered problem indices in the chapter's effective
// range whose current mark matches mode. It is re-evaluated on every call,
// never cached.
func FilterView(chapter Chapter, sheet *GradeSheet, mode FilterMode) []int {
	if sheet.ProblemCount == 0 {
		return nil
	}
	lo, hi := chapter.EffectiveRange(sheet.ProblemCount)
	indices := make([]int, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		if mode.matches(sheet.Marks[i]) {
			indices = append(indices, i)
		}
	}
	return indices
}

// ChapterSpec describes one chapter of a new workbook template.
type ChapterSpec struct {
	Title string `json:"title"`
	Count int    `json:"count" validate:"required,min=1"`
}

// NewWorkbook contains information needed to create a Workbook along with its
// template GradeSheet and Chapters.
type NewWorkbook struct {
	Title    string        `json:"title" validate:"required"`
	AuthorID string        `json:"author_id" validate:"required"`
	Chapters []ChapterSpec `json:"chapters" validate:"omitempty,dive"`
}

func (nw *NewWorkbook) Validate(validate *validator.Validate) error {
	nw.Title = core.CleanString(nw.Title)
	for i := range nw.Chapters {
		nw.Chapters[i].Title = core.CleanString(nw.Chapters[i].Title)
	}
	return validate.Struct(nw)
}

// NewSheet contains information needed to create an ad hoc GradeSheet.
type NewSheet struct {
	OwnerID      string      `json:"owner_id" validate:"required"`
	WorkbookID   null.String `json:"workbook_id"`
	Title        string      `json:"title" validate:"required"`
	ProblemCount int         `json:"problem_count" validate:"min=0"`
}

func (ns *NewSheet) Validate(validate *validator.Validate) error {
	ns.Title = core.CleanString(ns.Title)
	return validate.Struct(ns)
}

// NewChapter contains information needed to append a chapter at the tail of a
// GradeSheet.
type NewChapter struct {
	Title string `json:"title"`
	Count int    `json:"count" validate:"required,min=1"`
}

func (nc *NewChapter) Validate(validate *validator.Validate) error {
	nc.Title = core.CleanString(nc.Title)
	return validate.Struct(nc)
}

// ChapterNotes carries an edit of a chapter's three text fields. Nil fields
// are left untouched in memory; the debounced write always persists all three.
type ChapterNotes struct {
	Note         *string `json:"chapter_note"`
	TeacherMemo  *string `json:"teacher_memo"`
	NextHomework *string `json:"next_homework"`
}
