package evalsim

import (
	"fmt"
	"math"

	"github.com/pavelanni/tutorbench/internal/model"
)

// Topic is a simulated topic with the student's hidden true level.
type Topic struct {
	model.Topic
	TrueLevel float64
}

// Student is a simulated learner that belongs to one set.
type Student struct {
	model.Student
	SetType string
	Topics  []Topic
}

// Roster is the fixed population served by the simulator.
type Roster struct {
	Students []Student
}

// DefaultRoster has three mini_dev pairs with true levels 2, 4 and 1, plus a
// small dev set.
func DefaultRoster() Roster {
	return Roster{Students: []Student{
		{
			Student: model.Student{ID: "stu-alex", Name: "Alex", GradeLevel: float64(7)},
			SetType: "mini_dev",
			Topics:  []Topic{{Topic: model.Topic{ID: "top-linear", Name: "Linear Equations", SubjectName: "Mathematics"}, TrueLevel: 2}},
		},
		{
			Student: model.Student{ID: "stu-sam", Name: "Sam", GradeLevel: float64(9)},
			SetType: "mini_dev",
			Topics:  []Topic{{Topic: model.Topic{ID: "top-photo", Name: "Photosynthesis", SubjectName: "Biology"}, TrueLevel: 4}},
		},
		{
			Student: model.Student{ID: "stu-maya", Name: "Maya", GradeLevel: float64(8)},
			SetType: "mini_dev",
			Topics:  []Topic{{Topic: model.Topic{ID: "top-fractions", Name: "Fractions", SubjectName: "Mathematics"}, TrueLevel: 1}},
		},
		{
			Student: model.Student{ID: "stu-lena", Name: "Lena", GradeLevel: float64(10)},
			SetType: "dev",
			Topics: []Topic{
				{Topic: model.Topic{ID: "top-newton", Name: "Newton's Laws", SubjectName: "Physics"}, TrueLevel: 3},
				{Topic: model.Topic{ID: "top-quadratic", Name: "Quadratic Functions", SubjectName: "Mathematics"}, TrueLevel: 5},
			},
		},
		{
			Student: model.Student{ID: "stu-omar", Name: "Omar", GradeLevel: "11"},
			SetType: "dev",
			Topics:  []Topic{{Topic: model.Topic{ID: "top-cells", Name: "Cell Structure", SubjectName: "Biology"}, TrueLevel: 2}},
		},
	}}
}

// Set returns the students of one set in roster order.
func (r Roster) Set(setType string) []Student {
	var out []Student
	for _, s := range r.Students {
		if s.SetType == setType {
			out = append(out, s)
		}
	}
	return out
}

func (r Roster) student(id string) (Student, bool) {
	for _, s := range r.Students {
		if s.ID == id {
			return s, true
		}
	}
	return Student{}, false
}

func (r Roster) topic(studentID, topicID string) (Student, Topic, bool) {
	s, ok := r.student(studentID)
	if !ok {
		return Student{}, Topic{}, false
	}
	for _, t := range s.Topics {
		if t.ID == topicID {
			return s, t, true
		}
	}
	return Student{}, Topic{}, false
}

// Truths maps every pair of a set to its true level.
func (r Roster) Truths(setType string) map[model.PairKey]float64 {
	out := make(map[model.PairKey]float64)
	for _, s := range r.Set(setType) {
		for _, t := range s.Topics {
			out[model.PairKey{StudentID: s.ID, TopicID: t.ID}] = t.TrueLevel
		}
	}
	return out
}

var replies = map[int][]string{
	1: {
		"I don't know, I'm confused about where to even start.",
		"Maybe you add them? Not sure.",
		"No idea, sorry. Can you show me?",
	},
	2: {
		"I think it's the bigger one, maybe?",
		"Is it 6? I'm not sure how I got that.",
		"I guess you do the same thing to both sides.",
	},
	3: {
		"It's 12 because you multiply both numbers.",
		"You move the 3 to the other side, so x is 4.",
		"I think the answer is 5, since that's what's left over.",
	},
	4: {
		"It's 3/4 because 1/2 is 2/4 and then you add 1/4.",
		"Wait, actually it's 7, since I forgot to subtract first.",
		"Because the rate stays the same, the graph is a straight line.",
	},
	5: {
		"It's 5/6 because 2/3 is 4/6, therefore adding 1/6 gives 5/6. Does that always work with unlike denominators?",
		"Actually, wait, I can check it: 2x + 3 = 11 means 2x = 8, so x = 4. Could we generalize that?",
		"Since the light reactions make ATP, the Calvin cycle can fix carbon, which means both depend on each other.",
	},
}

// reply returns the canned answer of a student at level for one turn.
func reply(level float64, turn int, tutorMessage string) string {
	n := int(model.ClampLevel(math.Round(level)))
	if isSelfReportQuestion(tutorMessage) {
		return fmt.Sprintf("I'd say %d.", n)
	}
	lines := replies[n]
	return lines[(turn-1)%len(lines)]
}
