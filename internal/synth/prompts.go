package synth

import (
	"fmt"
	"sort"
	"strings"

	"onboarding/apps/backend/internal/retrieval"
)

// maxSourceChars bounds the source material sent with a module prompt.
const maxSourceChars = 4000

// maxQuizSourceChars bounds the source material sent with a quiz prompt.
const maxQuizSourceChars = 8000

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func joinContent(results []retrieval.SearchResult, limit int) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, r.Content)
	}
	return truncateRunes(strings.Join(parts, "\n\n"), limit)
}

// contentSummary lists each page found with its number of sections and size.
func contentSummary(results []retrieval.SearchResult) string {
	type page struct {
		title    string
		sections int
		chars    int
	}
	pages := map[string]*page{}
	var order []string
	for _, r := range results {
		p, ok := pages[r.DocID]
		if !ok {
			title := r.Title
			if title == "" {
				title = "Untitled"
			}
			p = &page{title: title}
			pages[r.DocID] = p
			order = append(order, r.DocID)
		}
		p.sections++
		p.chars += len([]rune(r.Content))
	}
	sort.SliceStable(order, func(i, j int) bool { return pages[order[i]].title < pages[order[j]].title })

	var sb strings.Builder
	for _, id := range order {
		p := pages[id]
		fmt.Fprintf(&sb, "- %s (%d sections, ~%d characters)\n", p.title, p.sections, p.chars)
	}
	return sb.String()
}

func outlinePrompt(b Brief, numModules int, summary, sample string) string {
	return fmt.Sprintf(`You are an expert instructional designer creating an engaging onboarding course.

Course Title: %s
Course Description: %s

Available Content Summary:
%s
Representative Source Material:
%s

Create a structured course outline with exactly %d modules. Each module should:
1. Have a clear, engaging title
2. Cover a specific topic from the source material
3. Build progressively from basics to advanced

Return the course title, a one paragraph course description and the list of modules.`,
		b.Title, b.Instructions, summary, sample, numModules)
}

func modulePrompt(number int, title, description, source string) string {
	return fmt.Sprintf(`You are creating onboarding content for new employees.

Module %d: %s
Module Description: %s

Source Material:
%s

Write the module using only the source material. Start with a two or three sentence overview,
explain the key concepts clearly with practical examples, and finish with actionable takeaways.
The content field is markdown.`,
		number, title, description, source)
}

func quizPrompt(b Brief, numQuestions int, difficulty, topics, source string) string {
	return fmt.Sprintf(`You are writing a %s difficulty quiz for the onboarding course "%s".
%s
Source Material:
%s

Write exactly %d multiple choice questions answerable from the source material.
Each question has exactly four options without letter prefixes, the zero based index of the
correct option, and a short explanation of why it is correct.`,
		difficulty, b.Title, topics, source, numQuestions)
}
