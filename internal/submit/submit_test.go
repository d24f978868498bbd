package submit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/tutorbench/internal/model"
)

func key(s, t string) model.PairKey { return model.PairKey{StudentID: s, TopicID: t} }

func TestBuildComplete(t *testing.T) {
	required := []model.PairKey{key("s1", "t1"), key("s2", "t1")}
	preds := map[model.PairKey]float64{
		key("s2", "t1"): 4,
		key("s1", "t1"): 2.5,
		key("s9", "t9"): 1,
	}

	got, err := Build(required, preds)
	require.NoError(t, err)
	assert.Equal(t, []model.Prediction{
		{StudentID: "s1", TopicID: "t1", PredictedLevel: 2.5},
		{StudentID: "s2", TopicID: "t1", PredictedLevel: 4},
	}, got)
}

func TestBuildNamesEveryMissingPair(t *testing.T) {
	required := []model.PairKey{key("s1", "t1"), key("s2", "t1"), key("s3", "t2")}
	_, err := Build(required, map[model.PairKey]float64{key("s2", "t1"): 3})

	var missing *MissingPairsError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []model.PairKey{key("s1", "t1"), key("s3", "t2")}, missing.Pairs)
	assert.Equal(t, "Missing predictions for these student/topic pairs:\n- s1 t1\n- s3 t2", err.Error())
}
