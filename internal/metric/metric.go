// Package metric computes regression error metrics on held-out predictions.
package metric

import (
	"math"

	"github.com/rotisserie/eris"
)

// Report bundles the metrics logged for a trained model.
type Report struct {
	MSE  float64 `json:"mse"`
	RMSE float64 `json:"rmse"`
	MAE  float64 `json:"mae"`
	R2   float64 `json:"r2"`
	N    int     `json:"n"`
}

// Regression computes MSE, RMSE, MAE and R² of yPred against yTrue.
// R² is 0 when yTrue has no variance.
func Regression(yTrue, yPred []float64) (Report, error) {
	if len(yTrue) == 0 {
		return Report{}, eris.New("metric: empty input")
	}
	if len(yTrue) != len(yPred) {
		return Report{}, eris.Errorf("metric: %d targets, %d predictions", len(yTrue), len(yPred))
	}

	n := float64(len(yTrue))
	mean := 0.0
	for _, v := range yTrue {
		mean += v
	}
	mean /= n

	var sse, sae, sst float64
	for i, v := range yTrue {
		d := yPred[i] - v
		sse += d * d
		sae += math.Abs(d)
		sst += (v - mean) * (v - mean)
	}

	r := Report{
		MSE: sse / n,
		MAE: sae / n,
		N:   len(yTrue),
	}
	r.RMSE = math.Sqrt(r.MSE)
	if sst > 0 {
		r.R2 = 1 - sse/sst
	}
	return r, nil
}

// MSE returns the mean squared error of yPred against yTrue.
func MSE(yTrue, yPred []float64) (float64, error) {
	r, err := Regression(yTrue, yPred)
	return r.MSE, err
}

// Map returns the report as metric name → value, in the names the pipeline
// logs them under.
func (r Report) Map() map[string]float64 {
	return map[string]float64{
		"MSE":  r.MSE,
		"rmse": r.RMSE,
		"mae":  r.MAE,
		"r2":   r.R2,
	}
}
