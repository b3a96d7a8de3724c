// Package grading scores quiz submissions against a quiz's answer key.
package grading

import (
	"errors"
	"fmt"
	"math"

	"onboarding/apps/backend/internal/artifact"
)

// PassThreshold is the minimum score percentage that passes a quiz.
const PassThreshold = 70

var (
	ErrIncompleteSubmission = errors.New("every question must be answered")
	ErrAnswerOutOfRange     = errors.New("answer index out of range")
	ErrEmptyQuiz            = errors.New("quiz has no questions")
)

// Grade scores answers against quiz. answers[i] is the selected option for
// question i; a nil entry is an unanswered question.
func Grade(quiz *artifact.Quiz, answers []*int) (*artifact.QuizResult, error) {
	if quiz == nil || len(quiz.Questions) == 0 {
		return nil, ErrEmptyQuiz
	}
	if len(answers) != len(quiz.Questions) {
		return nil, fmt.Errorf("%w: got %d answers for %d questions", ErrIncompleteSubmission, len(answers), len(quiz.Questions))
	}

	for i, a := range answers {
		if a == nil {
			return nil, fmt.Errorf("%w: question %d unanswered", ErrIncompleteSubmission, i+1)
		}
		if *a < 0 || *a >= len(quiz.Questions[i].Options) {
			return nil, fmt.Errorf("%w: question %d answer %d", ErrAnswerOutOfRange, i+1, *a)
		}
	}

	result := &artifact.QuizResult{
		Total:       len(quiz.Questions),
		PerQuestion: make([]artifact.QuestionResult, 0, len(quiz.Questions)),
	}
	for i, q := range quiz.Questions {
		selected := *answers[i]
		correct := selected == q.CorrectIndex
		if correct {
			result.CorrectCount++
		}
		result.PerQuestion = append(result.PerQuestion, artifact.QuestionResult{
			IsCorrect:   correct,
			Selected:    selected,
			Correct:     q.CorrectIndex,
			Explanation: q.Explanation,
		})
	}

	result.ScorePercentage = int(math.Round(float64(result.CorrectCount) * 100 / float64(result.Total)))
	result.Passed = result.ScorePercentage >= PassThreshold
	return result, nil
}
