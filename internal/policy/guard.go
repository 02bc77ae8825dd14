package policy

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ent0n29/companion/internal/logging"
)

const ReasonToxicity = "toxicity"

var ErrEmptyInput = errors.New("utterance is empty")

// Screening is the outcome of running one utterance through the guard.
type Screening struct {
	CleanText string `json:"clean_text"`
	Blocked   bool   `json:"blocked"`
	Reason    string `json:"reason,omitempty"`
	Redacted  bool   `json:"redacted"`

	// ClassifierFailed is set when the classifier errored and the guard failed open.
	ClassifierFailed bool           `json:"-"`
	Classification   Classification `json:"-"`
}

// Guard redacts PII and screens utterances before they reach the pipeline.
type Guard struct {
	blockList  *BlockList
	classifier Classifier
	timeout    time.Duration
}

func NewGuard(blockList *BlockList, classifier Classifier, timeout time.Duration) *Guard {
	if blockList == nil {
		blockList = NewBlockList()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Guard{blockList: blockList, classifier: classifier, timeout: timeout}
}

// Screen returns the redacted text and whether the utterance must be rejected.
// Classifier failures never block: the guard fails open.
func (g *Guard) Screen(ctx context.Context, raw string) (Screening, error) {
	if strings.TrimSpace(raw) == "" {
		return Screening{}, ErrEmptyInput
	}

	clean, redacted := RedactPII(strings.TrimSpace(raw))
	out := Screening{CleanText: clean, Redacted: redacted}

	if term, hit := g.blockList.Match(clean); hit {
		logging.FromCtx(ctx).Info().Str("term", term).Msg("utterance blocked by block list")
		out.Blocked = true
		out.Reason = ReasonContentPolicy
		return out, nil
	}

	if g.classifier == nil {
		return out, nil
	}

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	cls, err := g.classifier.Classify(cctx, clean)
	if err != nil {
		logging.FromCtx(ctx).Warn().Err(err).Msg("toxicity classifier failed, treating as not toxic")
		out.ClassifierFailed = true
		return out, nil
	}
	out.Classification = cls
	if cls.IsToxic() {
		out.Blocked = true
		out.Reason = ReasonToxicity
	}
	return out, nil
}
