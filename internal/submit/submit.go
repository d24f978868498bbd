// Package submit assembles prediction sets for the scoring endpoint.
package submit

import (
	"strings"

	"github.com/samber/lo"

	"github.com/pavelanni/tutorbench/internal/model"
)

// MissingPairsError lists required pairs that have no prediction.
type MissingPairsError struct {
	Pairs []model.PairKey
}

func (e *MissingPairsError) Error() string {
	lines := lo.Map(e.Pairs, func(k model.PairKey, _ int) string { return "- " + k.String() })
	return "Missing predictions for these student/topic pairs:\n" + strings.Join(lines, "\n")
}

// Build orders preds by required and refuses an incomplete set.
// Predictions for pairs outside required are ignored.
func Build(required []model.PairKey, preds map[model.PairKey]float64) ([]model.Prediction, error) {
	missing := lo.Reject(required, func(k model.PairKey, _ int) bool {
		_, ok := preds[k]
		return ok
	})
	if len(missing) > 0 {
		return nil, &MissingPairsError{Pairs: missing}
	}
	return lo.Map(required, func(k model.PairKey, _ int) model.Prediction {
		return model.Prediction{StudentID: k.StudentID, TopicID: k.TopicID, PredictedLevel: preds[k]}
	}), nil
}
