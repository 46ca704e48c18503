package generator

import (
	"math/rand"

	"github.com/opos-prep/backend/internal/models"
)

// ShuffleOptions returns a copy of q with its options permuted and relabelled
// A) to D). Correct follows the correct option. Incomplete questions are
// returned unchanged.
func ShuffleOptions(q models.Question, rng *rand.Rand) models.Question {
	if !q.Complete() {
		return q
	}

	type option struct {
		text    string
		correct bool
	}
	opts := make([]option, len(q.Options))
	for i, o := range q.Options {
		opts[i] = option{text: stripLabel(o), correct: i == q.Correct}
	}
	rng.Shuffle(len(opts), func(i, j int) { opts[i], opts[j] = opts[j], opts[i] })

	out := q
	out.Options = make([]string, len(opts))
	for i, o := range opts {
		out.Options[i] = models.OptionLabels[i] + ") " + o.text
		if o.correct {
			out.Correct = i
		}
	}
	return out
}
