package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"github.com/wondertwin-ai/kitchensink/internal/funnel"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageNames = []string{"home", "loading", "step", "finish", "success"}

// pages holds one template set per page, each sharing the layout.
type pages map[string]*template.Template

func parsePages() (pages, error) {
	out := make(pages, len(pageNames))
	for _, name := range pageNames {
		t, err := template.ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse %s page: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}

// pageData is the common block every page renders.
type pageData struct {
	Title       string
	Route       string
	Environment string
	IngestPath  string
	TotalSteps  int
}

type homeData struct {
	pageData
	AltStart bool
}

type dot struct {
	Reached bool
}

type stepData struct {
	pageData
	Step         funnel.Step
	Presentation funnel.Presentation
	Dots         []dot
	Action       string
	DistinctID   string
	ButtonClass  string
}

type finishData struct {
	pageData
	Confetti bool
}

func (p pages) render(w http.ResponseWriter, name string, data any) error {
	t, ok := p[name]
	if !ok {
		return fmt.Errorf("unknown page %q", name)
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, err := buf.WriteTo(w)
	return err
}

func newStepData(base pageData, step funnel.Step, distinctID string, brighterRed bool) stepData {
	dots := make([]dot, funnel.TotalSteps)
	for i := range dots {
		dots[i].Reached = funnel.Step(i+1) <= step
	}
	button := "bg-" + step.Presentation().Color
	if step == 1 && brighterRed {
		button = "bg-red-bright"
	}
	return stepData{
		pageData:     base,
		Step:         step,
		Presentation: step.Presentation(),
		Dots:         dots,
		Action:       step.Path() + "/next",
		DistinctID:   distinctID,
		ButtonClass:  button,
	}
}
