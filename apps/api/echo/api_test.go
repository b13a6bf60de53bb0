package echoapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	echoapi "github.com/trezcool/daftari/apps/api/echo"
	"github.com/trezcool/daftari/core"
	"github.com/trezcool/daftari/core/user"
	"github.com/trezcool/daftari/core/workbook"
	inmemdb "github.com/trezcool/daftari/storage/database/inmem"
	testutil "github.com/trezcool/daftari/tests"
)

type testEnv struct {
	conf    *core.Config
	server  *echoapi.Server
	usrRepo user.Repository
	wbRepo  workbook.Repository
	usrSvc  user.Service
	wbSvc   workbook.Service

	staff   user.User
	student user.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	conf := testutil.NewTestConfig()

	db, err := inmemdb.Open()
	if err != nil {
		t.Fatalf("inmemdb.Open() failed: %v", err)
	}
	usrRepo := inmemdb.NewUserRepository(db)
	wbRepo := inmemdb.NewWorkbookRepository(db)

	usrSvc := user.NewService(usrRepo)
	saver := workbook.NewAutoSaver(conf.AutosaveDebounce, testutil.NopLogger{}, nil)
	wbSvc := workbook.NewService(wbRepo, saver, testutil.NopLogger{})
	t.Cleanup(wbSvc.Close)
	distributor := workbook.NewDistributor(wbRepo, nil, nil, testutil.NopLogger{}, conf)

	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	validate := validator.New()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)

	server := echoapi.NewServer(echoapi.ServerDeps{
		Conf:           conf,
		Logger:         testutil.NopLogger{},
		UserSvc:        usrSvc,
		WorkbookSvc:    wbSvc,
		Distributor:    distributor,
		Validate:       validate,
		Translator:     translator,
		DisableReqLogs: true,
	})

	env := &testEnv{
		conf:    conf,
		server:  server,
		usrRepo: usrRepo,
		wbRepo:  wbRepo,
		usrSvc:  usrSvc,
		wbSvc:   wbSvc,
	}
	env.staff = testutil.CreateUser(t, usrRepo, "Staff Member", "staffer", "staff@test.cd", "s3cr3t-pass", user.AllRoles, true)
	env.student = testutil.CreateUser(t, usrRepo, "Student One", "student1", "student1@test.cd", "s3cr3t-pass", []string{user.RoleStudent}, true)
	return env
}

func (env *testEnv) token(t *testing.T, usr user.User) string {
	t.Helper()
	token, err := echoapi.GenerateToken(env.conf, echoapi.GetUserClaims(env.conf, usr))
	if err != nil {
		t.Fatalf("GenerateToken() failed: %v", err)
	}
	return token
}

func (env *testEnv) request(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request body failed: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding response %q failed: %v", rec.Body.String(), err)
	}
}

func checkStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, want, rec.Body.String())
	}
}

func TestAPI_home(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodGet, "/", "", nil)
	checkStatus(t, rec, http.StatusOK)
	if got := rec.Body.String(); got != "Welcome to Daftari API!" {
		t.Errorf("body = %q", got)
	}
}

func TestAPI_login(t *testing.T) {
	env := newTestEnv(t)

	t.Run("ok", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, "/v1/users/login", "", echo.Map{"username": "student1", "password": "s3cr3t-pass"})
		checkStatus(t, rec, http.StatusOK)

		var resp echoapi.LoginResponse
		decode(t, rec, &resp)
		if resp.Token == "" {
			t.Error("empty token")
		}

		// the token authenticates follow-up requests
		rec = env.request(t, http.MethodGet, "/v1/sheets", resp.Token, nil)
		checkStatus(t, rec, http.StatusOK)
	})

	t.Run("wrong password", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, "/v1/users/login", "", echo.Map{"username": "student1", "password": "nope"})
		checkStatus(t, rec, http.StatusBadRequest)
	})

	t.Run("unknown user", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, "/v1/users/login", "", echo.Map{"username": "ghost", "password": "whatever"})
		checkStatus(t, rec, http.StatusBadRequest)
	})

	t.Run("deactivated account", func(t *testing.T) {
		testutil.CreateUser(t, env.usrRepo, "Gone", "goneuser", "gone@test.cd", "s3cr3t-pass", nil, false)
		rec := env.request(t, http.MethodPost, "/v1/users/login", "", echo.Map{"username": "goneuser", "password": "s3cr3t-pass"})
		checkStatus(t, rec, http.StatusForbidden)
	})

	t.Run("missing fields", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, "/v1/users/login", "", echo.Map{})
		checkStatus(t, rec, http.StatusBadRequest)
	})
}

func TestAPI_authRequired(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodGet, "/v1/sheets", "", nil)
	checkStatus(t, rec, http.StatusUnauthorized)
}

func TestAPI_staffOnly(t *testing.T) {
	env := newTestEnv(t)
	studentToken := env.token(t, env.student)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/v1/workbooks"},
		{http.MethodGet, "/v1/users"},
		{http.MethodGet, "/v1/users/roles"},
	} {
		rec := env.request(t, tc.method, tc.path, studentToken, echo.Map{})
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s %s: status = %d, want %d", tc.method, tc.path, rec.Code, http.StatusForbidden)
		}
	}
}

func TestAPI_userQueryOrdering(t *testing.T) {
	env := newTestEnv(t)
	staffToken := env.token(t, env.staff)

	rec := env.request(t, http.MethodGet, "/v1/users?ordering=-username", staffToken, nil)
	checkStatus(t, rec, http.StatusOK)

	var users []user.User
	decode(t, rec, &users)
	if len(users) != 2 {
		t.Fatalf("len(users) = %d, want 2", len(users))
	}
	if users[0].Username != "student1" || users[1].Username != "staffer" {
		t.Errorf("order = [%s %s], want username descending", users[0].Username, users[1].Username)
	}
}

func TestAPI_workbookFlow(t *testing.T) {
	env := newTestEnv(t)
	staffToken := env.token(t, env.staff)
	studentToken := env.token(t, env.student)

	// staff creates a workbook; the author defaults to the caller
	rec := env.request(t, http.MethodPost, "/v1/workbooks", staffToken, echo.Map{
		"title": "Algebra Basics",
		"chapters": []echo.Map{
			{"title": "Linear Equations", "count": 4},
			{"title": "Quadratics", "count": 3},
		},
	})
	checkStatus(t, rec, http.StatusCreated)

	var created echoapi.WorkbookResponse
	decode(t, rec, &created)
	if created.Workbook.AuthorID != env.staff.ID {
		t.Errorf("AuthorID = %s, want the caller (%s)", created.Workbook.AuthorID, env.staff.ID)
	}
	if created.Workbook.TotalProblemCount != 7 {
		t.Errorf("TotalProblemCount = %d, want 7", created.Workbook.TotalProblemCount)
	}
	if created.TemplateSheet.ProblemCount != 7 {
		t.Errorf("template ProblemCount = %d, want 7", created.TemplateSheet.ProblemCount)
	}

	t.Run("anyone authed can list and retrieve", func(t *testing.T) {
		rec := env.request(t, http.MethodGet, "/v1/workbooks", studentToken, nil)
		checkStatus(t, rec, http.StatusOK)
		var wbs []workbook.Workbook
		decode(t, rec, &wbs)
		if len(wbs) != 1 {
			t.Fatalf("len(wbs) = %d, want 1", len(wbs))
		}

		rec = env.request(t, http.MethodGet, "/v1/workbooks/"+created.Workbook.ID, studentToken, nil)
		checkStatus(t, rec, http.StatusOK)

		rec = env.request(t, http.MethodGet, "/v1/workbooks/nope", studentToken, nil)
		checkStatus(t, rec, http.StatusNotFound)
	})

	t.Run("distribute", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, "/v1/workbooks/"+created.Workbook.ID+"/distribute", staffToken, echo.Map{
			"target_ids": []string{env.student.ID},
		})
		checkStatus(t, rec, http.StatusOK)

		var resp echoapi.DistributionResponse
		decode(t, rec, &resp)
		if len(resp.Created) != 1 || resp.Created[0] != env.student.ID {
			t.Errorf("Created = %v, want [%s]", resp.Created, env.student.ID)
		}

		// the student now sees their own copy
		rec = env.request(t, http.MethodGet, "/v1/sheets", studentToken, nil)
		checkStatus(t, rec, http.StatusOK)
		var sheets []workbook.GradeSheet
		decode(t, rec, &sheets)
		if len(sheets) != 1 || sheets[0].OwnerID != env.student.ID {
			t.Fatalf("sheets = %+v, want the student's copy", sheets)
		}

		// re-running without overwrite skips
		rec = env.request(t, http.MethodPost, "/v1/workbooks/"+created.Workbook.ID+"/distribute", staffToken, echo.Map{
			"target_ids": []string{env.student.ID},
		})
		checkStatus(t, rec, http.StatusOK)
		decode(t, rec, &resp)
		if len(resp.Skipped) != 1 {
			t.Errorf("Skipped = %v, want [%s]", resp.Skipped, env.student.ID)
		}
	})

	t.Run("distribution status", func(t *testing.T) {
		rec := env.request(t, http.MethodGet, "/v1/workbooks/"+created.Workbook.ID+"/distribution?id="+env.student.ID+"&id="+env.staff.ID, staffToken, nil)
		checkStatus(t, rec, http.StatusOK)

		var resp echoapi.DistributionStatusResponse
		decode(t, rec, &resp)
		if len(resp.Already) != 2 { // the staff author holds the template sheet
			t.Errorf("Already = %v, want both ids", resp.Already)
		}
	})

	t.Run("missing template conflicts", func(t *testing.T) {
		wb := testutil.CreateWorkbook(t, env.wbRepo, env.staff.ID, "No Template", 5)
		rec := env.request(t, http.MethodPost, "/v1/workbooks/"+wb.ID+"/distribute", staffToken, echo.Map{
			"target_ids": []string{env.student.ID},
		})
		checkStatus(t, rec, http.StatusConflict)
	})

	t.Run("empty targets rejected", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, "/v1/workbooks/"+created.Workbook.ID+"/distribute", staffToken, echo.Map{})
		checkStatus(t, rec, http.StatusBadRequest)
	})
}

func TestAPI_sheetFlow(t *testing.T) {
	env := newTestEnv(t)
	studentToken := env.token(t, env.student)

	// the student starts a standalone sheet
	rec := env.request(t, http.MethodPost, "/v1/sheets", studentToken, echo.Map{
		"title":         "Extra Practice",
		"problem_count": 5,
	})
	checkStatus(t, rec, http.StatusCreated)

	var sheet workbook.GradeSheet
	decode(t, rec, &sheet)
	if sheet.OwnerID != env.student.ID {
		t.Errorf("OwnerID = %s, want the caller (%s)", sheet.OwnerID, env.student.ID)
	}

	t.Run("missing title is a field error", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, "/v1/sheets", studentToken, echo.Map{"problem_count": 5})
		checkStatus(t, rec, http.StatusBadRequest)

		var fields map[string]string
		decode(t, rec, &fields)
		if _, ok := fields["title"]; !ok {
			t.Errorf("fields = %v, want a title error", fields)
		}
	})

	t.Run("other owners' sheets stay hidden", func(t *testing.T) {
		otherToken := env.token(t, testutil.CreateUser(t, env.usrRepo, "Other", "otherstud", "other@test.cd", "s3cr3t-pass", []string{user.RoleStudent}, true))
		rec := env.request(t, http.MethodGet, "/v1/sheets/"+sheet.ID, otherToken, nil)
		checkStatus(t, rec, http.StatusNotFound)

		// staff can still see it
		rec = env.request(t, http.MethodGet, "/v1/sheets/"+sheet.ID, env.token(t, env.staff), nil)
		checkStatus(t, rec, http.StatusOK)
	})

	t.Run("single mark and cycling", func(t *testing.T) {
		rec := env.request(t, http.MethodPatch, "/v1/sheets/"+sheet.ID+"/marks", studentToken, echo.Map{"idx": 0, "mark": "correct"})
		checkStatus(t, rec, http.StatusOK)

		var updated workbook.GradeSheet
		decode(t, rec, &updated)
		if updated.Marks[0] != workbook.MarkCorrect {
			t.Errorf("Marks[0] = %s, want %s", updated.Marks[0], workbook.MarkCorrect)
		}

		// cycle ignores the mark field: correct clicks over to incorrect
		rec = env.request(t, http.MethodPatch, "/v1/sheets/"+sheet.ID+"/marks", studentToken, echo.Map{"idx": 0, "cycle": true})
		checkStatus(t, rec, http.StatusOK)
		decode(t, rec, &updated)
		if updated.Marks[0] != workbook.MarkIncorrect {
			t.Errorf("Marks[0] = %s, want %s", updated.Marks[0], workbook.MarkIncorrect)
		}
	})

	t.Run("bulk marks", func(t *testing.T) {
		rec := env.request(t, http.MethodPatch, "/v1/sheets/"+sheet.ID+"/marks", studentToken, echo.Map{"lo_idx": 1, "hi_idx": 3, "mark": "partial"})
		checkStatus(t, rec, http.StatusOK)

		var updated workbook.GradeSheet
		decode(t, rec, &updated)
		for i := 1; i <= 3; i++ {
			if updated.Marks[i] != workbook.MarkPartial {
				t.Errorf("Marks[%d] = %s, want %s", i, updated.Marks[i], workbook.MarkPartial)
			}
		}
	})

	t.Run("rapid edits across requests all persist", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, "/v1/sheets", studentToken, echo.Map{
			"title":         "Rapid Clicks",
			"problem_count": 4,
		})
		checkStatus(t, rec, http.StatusCreated)
		var s workbook.GradeSheet
		decode(t, rec, &s)

		// two clicks inside the debounce window, each its own request
		rec = env.request(t, http.MethodPatch, "/v1/sheets/"+s.ID+"/marks", studentToken, echo.Map{"idx": 0, "mark": "correct"})
		checkStatus(t, rec, http.StatusOK)
		rec = env.request(t, http.MethodPatch, "/v1/sheets/"+s.ID+"/marks", studentToken, echo.Map{"idx": 1, "mark": "incorrect"})
		checkStatus(t, rec, http.StatusOK)

		var updated workbook.GradeSheet
		decode(t, rec, &updated)
		if updated.Marks[0] != workbook.MarkCorrect || updated.Marks[1] != workbook.MarkIncorrect {
			t.Fatalf("Marks = %v, the second request must build on the first edit", updated.Marks)
		}

		// both edits land in the store once the debounce fires
		deadline := time.Now().Add(2 * time.Second)
		for {
			stored, err := env.wbRepo.GetSheet(context.Background(), workbook.GetSheetFilter{ID: s.ID})
			if err == nil && stored.Marks[0] == workbook.MarkCorrect && stored.Marks[1] == workbook.MarkIncorrect {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("stored marks = %v, an edit was lost", stored.Marks)
			}
			time.Sleep(5 * time.Millisecond)
		}
	})

	t.Run("neither idx nor range", func(t *testing.T) {
		rec := env.request(t, http.MethodPatch, "/v1/sheets/"+sheet.ID+"/marks", studentToken, echo.Map{"mark": "correct"})
		checkStatus(t, rec, http.StatusBadRequest)
	})

	t.Run("expand", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, "/v1/sheets/"+sheet.ID+"/expand", studentToken, echo.Map{"total": 8})
		checkStatus(t, rec, http.StatusOK)

		var updated workbook.GradeSheet
		decode(t, rec, &updated)
		if updated.ProblemCount != 8 || len(updated.Marks) != 8 || len(updated.Labels) != 8 {
			t.Errorf("expanded shape broken: %+v", updated)
		}
	})

	t.Run("chapters", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, "/v1/sheets/"+sheet.ID+"/chapters", studentToken, echo.Map{"title": "Week 2", "count": 4})
		checkStatus(t, rec, http.StatusCreated)

		var created echoapi.ChapterResponse
		decode(t, rec, &created)
		if created.Chapter.StartIdx != 8 || created.Chapter.EndIdx != 11 {
			t.Errorf("chapter range = (%d, %d), want (8, 11)", created.Chapter.StartIdx, created.Chapter.EndIdx)
		}
		if created.Sheet.ProblemCount != 12 {
			t.Errorf("sheet not expanded with the chapter: count=%d", created.Sheet.ProblemCount)
		}

		rec = env.request(t, http.MethodGet, "/v1/sheets/"+sheet.ID+"/chapters", studentToken, nil)
		checkStatus(t, rec, http.StatusOK)
		var chapters []workbook.Chapter
		decode(t, rec, &chapters)
		if len(chapters) != 1 {
			t.Fatalf("len(chapters) = %d, want 1", len(chapters))
		}

		// the sheet detail surfaces the default chapter
		rec = env.request(t, http.MethodGet, "/v1/sheets/"+sheet.ID, studentToken, nil)
		checkStatus(t, rec, http.StatusOK)
		var detail echoapi.SheetDetailResponse
		decode(t, rec, &detail)
		if detail.DefaultChapterID != created.Chapter.ID {
			t.Errorf("DefaultChapterID = %s, want %s", detail.DefaultChapterID, created.Chapter.ID)
		}

		t.Run("view", func(t *testing.T) {
			// mark one problem in the chapter incorrect
			rec := env.request(t, http.MethodPatch, "/v1/sheets/"+sheet.ID+"/marks", studentToken, echo.Map{"idx": 9, "mark": "incorrect"})
			checkStatus(t, rec, http.StatusOK)

			rec = env.request(t, http.MethodGet, "/v1/sheets/"+sheet.ID+"/chapters/"+created.Chapter.ID+"/view?mode=incorrectOnly", studentToken, nil)
			checkStatus(t, rec, http.StatusOK)
			var view echoapi.ChapterViewResponse
			decode(t, rec, &view)
			if len(view.Indices) != 1 || view.Indices[0] != 9 {
				t.Errorf("Indices = %v, want [9]", view.Indices)
			}

			rec = env.request(t, http.MethodGet, "/v1/sheets/"+sheet.ID+"/chapters/"+created.Chapter.ID+"/view?mode=nope", studentToken, nil)
			checkStatus(t, rec, http.StatusBadRequest)
		})

		t.Run("rename and notes", func(t *testing.T) {
			rec := env.request(t, http.MethodPatch, "/v1/chapters/"+created.Chapter.ID, studentToken, echo.Map{"title": "Week Two"})
			checkStatus(t, rec, http.StatusOK)
			var ch workbook.Chapter
			decode(t, rec, &ch)
			if ch.Title.String != "Week Two" {
				t.Errorf("Title = %q, want %q", ch.Title.String, "Week Two")
			}

			rec = env.request(t, http.MethodPatch, "/v1/chapters/"+created.Chapter.ID+"/notes", studentToken, echo.Map{"chapter_note": "went fine"})
			checkStatus(t, rec, http.StatusOK)
			decode(t, rec, &ch)
			if ch.Note != "went fine" {
				t.Errorf("Note = %q, want %q", ch.Note, "went fine")
			}
		})

		t.Run("delete chapter", func(t *testing.T) {
			rec := env.request(t, http.MethodDelete, "/v1/chapters/"+created.Chapter.ID, studentToken, nil)
			checkStatus(t, rec, http.StatusNoContent)
		})
	})

	t.Run("delete sheet", func(t *testing.T) {
		rec := env.request(t, http.MethodDelete, "/v1/sheets/"+sheet.ID, studentToken, nil)
		checkStatus(t, rec, http.StatusNoContent)

		rec = env.request(t, http.MethodGet, "/v1/sheets/"+sheet.ID, studentToken, nil)
		checkStatus(t, rec, http.StatusNotFound)
	})
}
