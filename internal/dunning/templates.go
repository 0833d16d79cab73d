package dunning

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

//go:embed templates/*.txt
var defaultTemplates embed.FS

// TemplateData fills the reminder placeholders.
type TemplateData struct {
	PlanName  string
	Amount    string
	PauseDate string
}

// Templates loads payment reminder templates keyed by attempt number. A
// template is plain text: first line "# Subject: ...", a blank line, then the
// body. Placeholders {plan_name}, {amount} and {pause_date} are substituted
// literally.
type Templates struct {
	byAttempt map[int]string
}

// LoadTemplates reads reminder_<n>.txt files from dir, falling back to the
// embedded defaults when dir is empty.
func LoadTemplates(dir string) (*Templates, error) {
	t := &Templates{byAttempt: make(map[int]string)}
	for attempt := 1; attempt <= 3; attempt++ {
		name := fmt.Sprintf("reminder_%d.txt", attempt)
		var raw []byte
		var err error
		if dir != "" {
			raw, err = os.ReadFile(filepath.Join(dir, name))
		} else {
			raw, err = defaultTemplates.ReadFile("templates/" + name)
		}
		if err != nil {
			return nil, fmt.Errorf("load template %s: %w", name, err)
		}
		t.byAttempt[attempt] = string(raw)
	}
	return t, nil
}

// Render produces the subject and body for the attempt.
func (t *Templates) Render(attempt int, data TemplateData) (string, string, error) {
	raw, ok := t.byAttempt[attempt]
	if !ok {
		return "", "", fmt.Errorf("no template for attempt %d", attempt)
	}
	filled := strings.NewReplacer(
		"{plan_name}", data.PlanName,
		"{amount}", data.Amount,
		"{pause_date}", data.PauseDate,
	).Replace(raw)

	subjectLine, body, _ := strings.Cut(filled, "\n")
	subject := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(subjectLine), "# Subject:"))
	if subject == "" {
		return "", "", fmt.Errorf("template for attempt %d has no subject line", attempt)
	}
	return subject, strings.TrimLeft(body, "\n"), nil
}
