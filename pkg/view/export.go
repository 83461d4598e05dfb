package view

import "fmt"

// ValidateNoLeakage rejects a feature column list that contains the
// prediction target. Guards the export path against training a model on its
// own answer.
func ValidateNoLeakage(featureCols []string, targetCol string) error {
	for _, col := range featureCols {
		if col == targetCol {
			return fmt.Errorf("data leakage: target column %q is present in feature columns", targetCol)
		}
	}
	return nil
}

// SplitChronological splits time-ordered feature rows into train and test
// sets without shuffling: the first (1 - testRatio) fraction trains, the
// rest tests, so no training row postdates a test row.
func SplitChronological(rows []Row, testRatio float64) (train, test []Row, err error) {
	if testRatio <= 0 || testRatio >= 1 {
		return nil, nil, fmt.Errorf("test ratio must be in (0, 1), got %g", testRatio)
	}
	split := int(float64(len(rows)) * (1 - testRatio))
	if split == 0 || split == len(rows) {
		return nil, nil, fmt.Errorf("test ratio %g produces an empty split for %d rows", testRatio, len(rows))
	}
	return rows[:split], rows[split:], nil
}
