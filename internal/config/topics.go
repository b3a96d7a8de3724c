package config

const (
	// TopicCourseProcess is the NSQ topic for processing a course's document set.
	TopicCourseProcess = "course.process"

	// TopicCourseReprocess is the NSQ topic for unconditional course rebuilds.
	TopicCourseReprocess = "course.reprocess"

	// TopicCourseGenerate is the NSQ topic for course content generation.
	TopicCourseGenerate = "course.generate"

	// TopicQuizGenerate is the NSQ topic for quiz generation.
	TopicQuizGenerate = "course.quiz"

	// WorkerChannel is the channel all backend workers consume from.
	WorkerChannel = "backend"
)

// Topics lists every topic the worker consumes.
var Topics = []string{
	TopicCourseProcess,
	TopicCourseReprocess,
	TopicCourseGenerate,
	TopicQuizGenerate,
}

var operationTopics = map[string]string{
	"process":         TopicCourseProcess,
	"reprocess":       TopicCourseReprocess,
	"generate_course": TopicCourseGenerate,
	"generate_quiz":   TopicQuizGenerate,
}

// TopicFor returns the topic that carries jobs for operation op.
func TopicFor(op string) (string, bool) {
	t, ok := operationTopics[op]
	return t, ok
}
