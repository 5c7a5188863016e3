package classifier

// Accuracy is the share of predictions equal to the truth.
func Accuracy(truth, pred []int) float64 {
	if len(truth) == 0 {
		return 0
	}
	var hit int
	for i := range truth {
		if truth[i] == pred[i] {
			hit++
		}
	}
	return float64(hit) / float64(len(truth))
}

// F1 is the harmonic mean of precision and recall for the malicious class.
// It is 0 when no row is predicted or labeled malicious.
func F1(truth, pred []int) float64 {
	var tp, fp, fn int
	for i := range truth {
		switch {
		case truth[i] == 1 && pred[i] == 1:
			tp++
		case truth[i] == 0 && pred[i] == 1:
			fp++
		case truth[i] == 1 && pred[i] == 0:
			fn++
		}
	}
	if tp == 0 {
		return 0
	}
	return 2 * float64(tp) / float64(2*tp+fp+fn)
}
