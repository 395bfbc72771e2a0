// Package provider implements the two remote LLM adapters and the prompt
// plumbing shared between them. Adapters are pure functions of
// (prompt, credential); all key selection and pacing lives in keypool.
package provider

import (
	"math/rand"
	"regexp"
	"strings"
)

// languageLabels normalizes user-facing language names to the spelling
// the prompt uses.
var languageLabels = map[string]string{
	"python":     "Python",
	"c++":        "C++",
	"cpp":        "C++",
	"c#":         "C#",
	"csharp":     "C#",
	"c":          "C",
	"java":       "Java",
	"javascript": "JavaScript",
	"js":         "JavaScript",
}

// LanguageLabel returns the canonical prompt spelling for a language.
func LanguageLabel(language string) string {
	if l, ok := languageLabels[strings.ToLower(language)]; ok {
		return l
	}
	return language
}

const csharpAddendum = `
For C#: Always include 'using System;'. Define 'class Program' with 'static void Main()' as the entrypoint. Do not request interactive input; use fixed sample values. Ensure 'Console.WriteLine(...)' statements print the results clearly.`

// BuildPrompt composes the provider prompt for one question.
// Questions that mention interactive input get a fixed-value directive so
// the generated program never blocks on stdin.
func BuildPrompt(question, language string) string {
	lang := LanguageLabel(language)

	lower := strings.ToLower(question)
	if strings.Contains(lower, "input") || strings.Contains(lower, "user") {
		question += " Assume the user input is " + string(rune('1'+rand.Intn(9))) + ". The code should NOT prompt for input."
	}

	var b strings.Builder
	b.WriteString("Write only the ")
	b.WriteString(lang)
	b.WriteString(" code that solves the following problem. Do not include explanation.\n\nProblem:\n")
	b.WriteString(question)
	if lang == "C#" {
		b.WriteString(csharpAddendum)
	}
	return b.String()
}

var fenceRe = regexp.MustCompile("```[a-zA-Z0-9_+#.-]*")

// ExtractCode strips fenced-code delimiters from a model response and
// trims surrounding whitespace. An empty result means the response
// contained no usable code.
func ExtractCode(text string) string {
	return strings.TrimSpace(fenceRe.ReplaceAllString(text, ""))
}
