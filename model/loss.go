package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// CrossEntropy returns the mean softmax cross-entropy of logits against
// integer labels, plus the count of correct argmax predictions. Computed
// with the log-sum-exp shift for stability.
func CrossEntropy(logits *mat.Dense, labels []int) (loss float64, correct int, err error) {
	rows, cols := logits.Dims()
	if len(labels) != rows {
		return 0, 0, fmt.Errorf("%d labels for %d logit rows", len(labels), rows)
	}
	raw := logits.RawMatrix()
	var total float64
	for i := 0; i < rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+cols]
		y := labels[i]
		if y < 0 || y >= cols {
			return 0, 0, fmt.Errorf("label %d outside [0,%d)", y, cols)
		}
		maxv, arg := row[0], 0
		for j, v := range row {
			if v > maxv {
				maxv, arg = v, j
			}
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(v - maxv)
		}
		total += math.Log(sum) - (row[y] - maxv)
		if arg == y {
			correct++
		}
	}
	return total / float64(rows), correct, nil
}

// CrossEntropyGrad additionally returns the loss gradient with respect to
// the logits, (softmax - onehot)/batch, ready for Net.Backward.
func CrossEntropyGrad(logits *mat.Dense, labels []int) (loss float64, correct int, dlogits *mat.Dense, err error) {
	rows, cols := logits.Dims()
	if len(labels) != rows {
		return 0, 0, nil, fmt.Errorf("%d labels for %d logit rows", len(labels), rows)
	}
	raw := logits.RawMatrix()
	d := mat.NewDense(rows, cols, nil)
	draw := d.RawMatrix()
	invBatch := 1.0 / float64(rows)

	var total float64
	for i := 0; i < rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+cols]
		drow := draw.Data[i*draw.Stride : i*draw.Stride+cols]
		y := labels[i]
		if y < 0 || y >= cols {
			return 0, 0, nil, fmt.Errorf("label %d outside [0,%d)", y, cols)
		}
		maxv, arg := row[0], 0
		for j, v := range row {
			if v > maxv {
				maxv, arg = v, j
			}
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(v - maxv)
		}
		total += math.Log(sum) - (row[y] - maxv)
		if arg == y {
			correct++
		}
		inv := 1.0 / sum
		for j, v := range row {
			drow[j] = math.Exp(v-maxv) * inv * invBatch
		}
		drow[y] -= invBatch
	}
	return total / float64(rows), correct, d, nil
}
