package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/daftari/core"
	"github.com/trezcool/daftari/core/user"
	"github.com/trezcool/daftari/core/workbook"
)

func NewTestConfig() *core.Config {
	conf := &core.Config{
		Env:                 "test",
		TestMode:            true,
		AppName:             "Daftari",
		SecretKey:           "secret",
		FrontendBaseURL:     "https://daftari.test",
		DefaultFromName:     "Daftari",
		DefaultFromAddr:     "noreply@daftari.test",
		AutosaveDebounce:    10 * time.Millisecond,
		DistributionWorkers: 4,
	}
	conf.Server.JWTExpirationDelta = time.Hour
	conf.Server.JWTRefreshExpirationDelta = 4 * time.Hour
	return conf
}

func CreateUser(
	t *testing.T,
	repo user.Repository,
	name, uname, email, pwd string,
	roles []string,
	isActive bool,
	createdAt ...time.Time,
) user.User {
	t.Helper()

	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	usr := user.User{
		ID:        uuid.New().String(),
		Name:      name,
		Username:  uname,
		Email:     email,
		Roles:     roles,
		IsActive:  isActive,
		CreatedAt: tstamp,
		UpdatedAt: tstamp,
	}
	if pwd != "" {
		if err := usr.SetPassword(pwd); err != nil {
			t.Fatalf("CreateUser() failed: %v", err)
		}
	}
	usr, err := repo.CreateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	return usr
}

func CreateWorkbook(
	t *testing.T,
	repo workbook.Repository,
	authorID, title string,
	totalProblemCount int,
) workbook.Workbook {
	t.Helper()

	now := time.Now().UTC()
	wb, err := repo.CreateWorkbook(context.Background(), workbook.Workbook{
		ID:                uuid.New().String(),
		AuthorID:          authorID,
		Title:             title,
		TotalProblemCount: totalProblemCount,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		t.Fatalf("CreateWorkbook() failed: %v", err)
	}
	return wb
}

func CreateSheet(
	t *testing.T,
	repo workbook.Repository,
	ownerID, workbookID, title string,
	problemCount int,
) workbook.GradeSheet {
	t.Helper()

	now := time.Now().UTC()
	sheet, err := repo.CreateSheet(context.Background(), workbook.GradeSheet{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		WorkbookID:   null.NewString(workbookID, workbookID != ""),
		Title:        title,
		ProblemCount: problemCount,
		Marks:        workbook.NewMarks(problemCount),
		Labels:       workbook.DefaultLabels(0, problemCount),
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		t.Fatalf("CreateSheet() failed: %v", err)
	}
	return sheet
}

func CreateChapter(
	t *testing.T,
	repo workbook.Repository,
	gradeID, title string,
	startIdx, endIdx int,
	updatedAt ...time.Time,
) workbook.Chapter {
	t.Helper()

	now := time.Now().UTC()
	tstamp := now
	if len(updatedAt) > 0 {
		tstamp = updatedAt[0].UTC()
	}
	ch, err := repo.CreateChapter(context.Background(), workbook.Chapter{
		ID:        uuid.New().String(),
		GradeID:   gradeID,
		StartIdx:  startIdx,
		EndIdx:    endIdx,
		Title:     null.NewString(title, title != ""),
		CreatedAt: now,
		UpdatedAt: tstamp,
	})
	if err != nil {
		t.Fatalf("CreateChapter() failed: %v", err)
	}
	return ch
}

// NopLogger discards everything; keeps test output clean.
type NopLogger struct{}

var _ core.Logger = (*NopLogger)(nil)

func (NopLogger) Enable(bool)                  {}
func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}
func (NopLogger) Fatal(string, ...interface{}) {}
