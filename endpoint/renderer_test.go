package endpoint

import (
	"html/template"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStringRenderer(t *testing.T) {
	tests := []struct {
		name       string
		r          *StringRenderer
		wantStatus int
		wantType   string
		wantBody   string
	}{
		{"defaults", &StringRenderer{Body: "ok"}, http.StatusOK, "text/plain; charset=utf-8", "ok"},
		{"status", &StringRenderer{Status: http.StatusAccepted, Body: "queued"}, http.StatusAccepted, "text/plain; charset=utf-8", "queued"},
		{"html", &StringRenderer{Status: http.StatusBadRequest, Body: "<p>no</p>", ContentType: contentTypeHTML}, http.StatusBadRequest, "text/html; charset=utf-8", "<p>no</p>"},
		{"empty body", &StringRenderer{}, http.StatusOK, "text/plain; charset=utf-8", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			if err := tt.r.Render(rec, httptest.NewRequest("GET", "/", nil)); err != nil {
				t.Fatal(err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status: got %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Content-Type"); got != tt.wantType {
				t.Errorf("Content-Type: got %q, want %q", got, tt.wantType)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body: got %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestStringRenderer_KeepsExistingContentType(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "text/csv")
	if err := (&StringRenderer{Body: "a,b"}).Render(rec, httptest.NewRequest("GET", "/", nil)); err != nil {
		t.Fatal(err)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/csv" {
		t.Errorf("got %q", got)
	}
}

func TestRedirectRenderer(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/login", nil)
	if err := (&RedirectRenderer{URL: "https://id.example.com/oauth2/auth?x=1"}).Render(rec, req); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusSeeOther {
		t.Errorf("status: got %d, want %d", rec.Code, http.StatusSeeOther)
	}
	if got := rec.Header().Get("Location"); got != "https://id.example.com/oauth2/auth?x=1" {
		t.Errorf("Location: got %q", got)
	}

	rec = httptest.NewRecorder()
	(&RedirectRenderer{URL: "/", Status: http.StatusFound}).Render(rec, req)
	if rec.Code != http.StatusFound {
		t.Errorf("status: got %d, want %d", rec.Code, http.StatusFound)
	}
}

func TestNoContentRenderer(t *testing.T) {
	rec := httptest.NewRecorder()
	(&NoContentRenderer{}).Render(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusNoContent || rec.Body.Len() != 0 {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestJSONRenderer(t *testing.T) {
	rec := httptest.NewRecorder()
	err := (&JSONRenderer{Value: map[string]any{"isAuthenticated": false, "next": "/a&b"}}).Render(rec, httptest.NewRequest("GET", "/", nil))
	if err != nil {
		t.Fatal(err)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type: got %q", got)
	}
	if want := "{\"isAuthenticated\":false,\"next\":\"/a\\u0026b\"}\n"; rec.Body.String() != want {
		t.Errorf("body: got %q, want %q", rec.Body.String(), want)
	}
}

func TestJSONRenderer_EncodeFailureWritesNothing(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := (&JSONRenderer{Value: make(chan int)}).Render(rec, httptest.NewRequest("GET", "/", nil)); err == nil {
		t.Fatal("expected error")
	}
	if rec.Header().Get("Content-Type") != "" || rec.Body.Len() != 0 {
		t.Error("nothing should be written when encoding fails")
	}
}

func TestHTMLTemplateRenderer(t *testing.T) {
	tmpl := template.Must(template.New("page").Parse(`{{define "msg"}}<p>{{.}}</p>{{end}}<h1>{{.}}</h1>`))

	rec := httptest.NewRecorder()
	if err := (&HTMLTemplateRenderer{Template: tmpl, Values: "<b>hi</b>"}).Render(rec, httptest.NewRequest("GET", "/", nil)); err != nil {
		t.Fatal(err)
	}
	if rec.Body.String() != "<h1>&lt;b&gt;hi&lt;/b&gt;</h1>" {
		t.Errorf("got %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "text/html; charset=utf-8" {
		t.Errorf("Content-Type: got %q", got)
	}

	rec = httptest.NewRecorder()
	(&HTMLTemplateRenderer{Template: tmpl, Name: "msg", Values: "x", Status: http.StatusBadRequest}).Render(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusBadRequest || rec.Body.String() != "<p>x</p>" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestHTMLTemplateRenderer_Errors(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := (&HTMLTemplateRenderer{}).Render(rec, httptest.NewRequest("GET", "/", nil)); err == nil {
		t.Error("expected error for nil template")
	}

	tmpl := template.Must(template.New("page").Parse(`{{.Missing.Field}}`))
	rec = httptest.NewRecorder()
	if err := (&HTMLTemplateRenderer{Template: tmpl, Values: struct{}{}}).Render(rec, httptest.NewRequest("GET", "/", nil)); err == nil {
		t.Error("expected execution error")
	}
	if rec.Body.Len() != 0 {
		t.Errorf("partial output written: %q", rec.Body.String())
	}
}
