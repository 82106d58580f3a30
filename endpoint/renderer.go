package endpoint

import (
	"encoding/json"
	"net/http"
)

const (
	contentTypeText = "text/plain; charset=utf-8"
	contentTypeHTML = "text/html; charset=utf-8"
	contentTypeJSON = "application/json"
)

// StringRenderer writes Body with Status (default 200). ContentType defaults
// to plain text.
type StringRenderer struct {
	Status      int
	Body        string
	ContentType string
}

// setContentType sets Content-Type unless a processor already did.
func setContentType(w http.ResponseWriter, contentType string) {
	if w.Header().Get("Content-Type") != "" {
		return
	}
	if contentType == "" {
		contentType = contentTypeText
	}
	w.Header().Set("Content-Type", contentType)
}

func statusOr(status, def int) int {
	if status == 0 {
		return def
	}
	return status
}

func (sr *StringRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	setContentType(w, sr.ContentType)
	w.WriteHeader(statusOr(sr.Status, http.StatusOK))
	if sr.Body == "" {
		return nil
	}
	_, err := w.Write([]byte(sr.Body))
	return err
}

// NoContentRenderer writes Status (default 204) with no body.
type NoContentRenderer struct {
	Status int
}

func (ncr *NoContentRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(statusOr(ncr.Status, http.StatusNoContent))
	return nil
}

// RedirectRenderer redirects to URL with Status (default 303 See Other, so a
// browser follows with GET).
type RedirectRenderer struct {
	URL    string
	Status int
}

func (rr *RedirectRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	http.Redirect(w, r, rr.URL, statusOr(rr.Status, http.StatusSeeOther))
	return nil
}

// JSONRenderer writes Value as JSON with Status (default 200). The value is
// marshalled before headers are sent so encoding failures still yield a 500.
type JSONRenderer struct {
	Status int
	Value  any
}

func (jr *JSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	body, err := json.Marshal(jr.Value)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusOr(jr.Status, http.StatusOK))
	_, err = w.Write(append(body, '\n'))
	return err
}
