package task

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	frontMatterFence = "---"
	subtasksHeading  = "## Subtasks"
)

var (
	subtaskHeadingRe = regexp.MustCompile(`^### \[(pending|in_progress|completed)\] (\S+) (.+)$`)
	checkboxRe       = regexp.MustCompile(`^- \[([ xX])\] (.*)$`)
	h1Re             = regexp.MustCompile(`^# (.+)$`)
)

// Parse decodes a task document. Missing front-matter is tolerated and
// yields version 0, so pre-existing plain Markdown files remain usable.
func Parse(path string, data []byte) (*Task, error) {
	t := &Task{Path: path}
	content := strings.ReplaceAll(string(data), "\r\n", "\n")

	rest, err := parseFrontMatter(content, &t.FrontMatter)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", path, err)
	}

	lines := strings.Split(rest, "\n")
	i := 0

	// Title: first H1.
	for ; i < len(lines); i++ {
		if m := h1Re.FindStringSubmatch(lines[i]); m != nil {
			t.Title = strings.TrimSpace(m[1])
			i++
			break
		}
		if strings.TrimSpace(lines[i]) != "" {
			break
		}
	}

	// Body: up to the Subtasks heading.
	bodyStart := i
	for ; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == subtasksHeading {
			break
		}
	}
	t.Body = strings.Trim(strings.Join(lines[bodyStart:i], "\n"), "\n")

	if i < len(lines) {
		i++ // past the Subtasks heading
		i = parseSubtasks(lines, i, t)
		t.Trailing = strings.Trim(strings.Join(lines[i:], "\n"), "\n")
	}
	return t, nil
}

// parseFrontMatter strips and decodes a leading YAML block.
func parseFrontMatter(content string, fm *FrontMatter) (string, error) {
	if !strings.HasPrefix(content, frontMatterFence+"\n") {
		return content, nil
	}
	rest := content[len(frontMatterFence)+1:]
	end := strings.Index(rest, "\n"+frontMatterFence)
	if end < 0 {
		return "", fmt.Errorf("unterminated front-matter")
	}
	block := rest[:end]
	if err := yaml.Unmarshal([]byte(block), fm); err != nil {
		return "", fmt.Errorf("invalid front-matter: %w", err)
	}
	rest = rest[end+1+len(frontMatterFence):]
	return strings.TrimPrefix(rest, "\n"), nil
}

// parseSubtasks consumes the Subtasks block and returns the index of
// the first line after it. The block ends at the next H2 or EOF.
func parseSubtasks(lines []string, i int, t *Task) int {
	var cur *Subtask
	flush := func() {
		if cur != nil {
			t.Subtasks = append(t.Subtasks, *cur)
			cur = nil
		}
	}
	for ; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## ") {
			break
		}
		if m := subtaskHeadingRe.FindStringSubmatch(trimmed); m != nil {
			flush()
			cur = &Subtask{
				Status: SubtaskStatus(m[1]),
				ID:     m[2],
				Title:  strings.TrimSpace(m[3]),
			}
			continue
		}
		if cur != nil {
			if m := checkboxRe.FindStringSubmatch(trimmed); m != nil {
				cur.Items = append(cur.Items, ChecklistItem{
					Text: m[2],
					Done: m[1] != " ",
				})
			}
		}
	}
	flush()
	return i
}

// Render serialises a task back to Markdown, front-matter first. The
// output round-trips through Parse.
func Render(t *Task) ([]byte, error) {
	var b strings.Builder

	fmBytes, err := yaml.Marshal(&t.FrontMatter)
	if err != nil {
		return nil, fmt.Errorf("task %s: marshal front-matter: %w", t.Path, err)
	}
	b.WriteString(frontMatterFence + "\n")
	b.Write(fmBytes)
	b.WriteString(frontMatterFence + "\n\n")

	if t.Title != "" {
		b.WriteString("# " + t.Title + "\n")
	}
	if t.Body != "" {
		b.WriteString("\n" + t.Body + "\n")
	}
	if len(t.Subtasks) > 0 {
		b.WriteString("\n" + subtasksHeading + "\n")
		for _, st := range t.Subtasks {
			b.WriteString(fmt.Sprintf("\n### [%s] %s %s\n", st.Status, st.ID, st.Title))
			for _, item := range st.Items {
				mark := " "
				if item.Done {
					mark = "x"
				}
				b.WriteString(fmt.Sprintf("- [%s] %s\n", mark, item.Text))
			}
		}
	}
	if t.Trailing != "" {
		b.WriteString("\n" + t.Trailing + "\n")
	}
	return []byte(b.String()), nil
}
