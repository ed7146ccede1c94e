package models

// BudgetEntry is the per-(user, dataset) privacy budget ledger row. Spent
// amounts only move through compare-and-swap updates keyed on Version, so
// two concurrent debits can never both apply against the same read state.
type BudgetEntry struct {
	DatasetName    string  `json:"dataset_name" bson:"dataset_name" yaml:"dataset_name"`
	InitialEpsilon float64 `json:"initial_epsilon" bson:"initial_epsilon" yaml:"initial_epsilon"`
	InitialDelta   float64 `json:"initial_delta" bson:"initial_delta" yaml:"initial_delta"`
	SpentEpsilon   float64 `json:"total_spent_epsilon" bson:"total_spent_epsilon" yaml:"total_spent_epsilon"`
	SpentDelta     float64 `json:"total_spent_delta" bson:"total_spent_delta" yaml:"total_spent_delta"`
	Version        int64   `json:"-" bson:"version" yaml:"version"`
}

func (b BudgetEntry) Initial() Cost {
	return Cost{Epsilon: b.InitialEpsilon, Delta: b.InitialDelta}
}

func (b BudgetEntry) Spent() Cost {
	return Cost{Epsilon: b.SpentEpsilon, Delta: b.SpentDelta}
}

func (b BudgetEntry) Remaining() Cost {
	return b.Initial().Sub(b.Spent())
}

type User struct {
	Name     string        `json:"user_name" bson:"user_name" yaml:"user_name"`
	MayQuery bool          `json:"may_query" bson:"may_query" yaml:"may_query"`
	Datasets []BudgetEntry `json:"datasets_list" bson:"datasets_list" yaml:"datasets_list"`
}

// Budget returns the grant for dataset, or nil when the user has none.
func (u *User) Budget(dataset string) *BudgetEntry {
	for i := range u.Datasets {
		if u.Datasets[i].DatasetName == dataset {
			return &u.Datasets[i]
		}
	}
	return nil
}
