package callback

import "html/template"

type successPage struct {
	Name    string
	NextURL string
}

type failurePage struct {
	Message string
}

var pages = template.Must(template.New("pages").Parse(`
{{define "head"}}<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.}}</title>
<style>body{font-family:system-ui,sans-serif;max-width:32rem;margin:4rem auto;padding:0 1rem}</style>
</head>
<body>{{end}}

{{define "success"}}{{template "head" "Signed in"}}
<h1>Signed in</h1>
{{if .Name}}<p>Welcome, {{.Name}}.</p>{{end}}
<p>You can close this window and return to the application.</p>
{{if .NextURL}}<p>Continue to <code>{{.NextURL}}</code> in the application.</p>{{end}}
</body>
</html>{{end}}

{{define "failure"}}{{template "head" "Sign-in failed"}}
<h1>Sign-in failed</h1>
<p>{{.Message}}</p>
<p><a href="/login">Try again</a></p>
</body>
</html>{{end}}
`))
