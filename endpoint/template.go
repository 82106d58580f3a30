package endpoint

import (
	"bytes"
	"errors"
	"html/template"
	"net/http"
)

// HTMLTemplateRenderer executes Template (or the named template Name) with
// Values. Output is buffered so an execution error still produces a 500.
type HTMLTemplateRenderer struct {
	Status   int
	Template *template.Template
	Name     string
	Values   any
}

func (hr *HTMLTemplateRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	if hr.Template == nil {
		return errors.New("endpoint: nil html/template")
	}

	var buf bytes.Buffer
	var err error
	if hr.Name != "" {
		err = hr.Template.ExecuteTemplate(&buf, hr.Name, hr.Values)
	} else {
		err = hr.Template.Execute(&buf, hr.Values)
	}
	if err != nil {
		return err
	}

	setContentType(w, contentTypeHTML)
	w.WriteHeader(statusOr(hr.Status, http.StatusOK))
	_, err = buf.WriteTo(w)
	return err
}
