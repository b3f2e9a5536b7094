// Package expectancy produces ExpectancySnapshot values for a prospective or
// open position (component F, the Expectancy Estimator).
package expectancy

import (
	"math"
	"sort"
	"time"
)

// Confidence labels the reliability of a snapshot.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Mode selects how the estimator's output gates order submission.
type Mode string

const (
	ModeShadow Mode = "shadow" // compute and record; never block
	ModeSoft   Mode = "soft"   // record and warn; submit regardless
	ModeHard   Mode = "hard"   // reject when EV_conservative <= threshold and confidence != low
)

const ModelVersion = "empirical-bayes-v1"

// Snapshot quantifies the expected value of an entry or an open position.
type Snapshot struct {
	Mu               float64
	Sigma            float64
	PWin             float64
	ExpectedReturn   float64
	ExpectedHoldMs   int64
	WorstCaseLoss    float64
	Confidence       Confidence
	ModelVersion     string
	ComputedAt       time.Time
	EV               float64
	EVConservative   float64
}

// Trade is one historical trade outcome used to estimate win probability and
// the loss distribution for a (instrument, strategy_version) pair.
type Trade struct {
	Win    bool
	PnL    float64 // realized PnL, signed
	HoldMs int64
	Age    time.Duration // time since the trade closed, relative to "now"
}

// Config holds the priors and shrinkage/penalty parameters from
// ev.{prior_a, prior_b, recency_lambda, shrink_k, gamma_tail_penalty}.
type Config struct {
	Mode             Mode
	LookbackTrades   int
	EntryGateMinEV   float64
	PriorA           float64 // a0
	PriorB           float64 // b0
	RecencyLambda    float64 // λ
	ShrinkK          float64 // k
	GammaTailPenalty float64 // γ
	GlobalPWin       float64 // p_win_global fallback
	FeeSlippage      float64
}

// DefaultConfig returns conservative defaults in shadow mode.
func DefaultConfig() Config {
	return Config{
		Mode:             ModeShadow,
		LookbackTrades:   200,
		EntryGateMinEV:   0,
		PriorA:           2,
		PriorB:           2,
		RecencyLambda:    0.01,
		ShrinkK:          20,
		GammaTailPenalty: 1.5,
		GlobalPWin:       0.5,
		FeeSlippage:      0,
	}
}

// Estimator computes Snapshot values from a trade history sample.
type Estimator struct {
	cfg Config
}

// NewEstimator builds an Estimator bound to cfg.
func NewEstimator(cfg Config) *Estimator {
	return &Estimator{cfg: cfg}
}

// Estimate implements the default empirical-Bayes model from §4.5:
//
//	p_win = α·(a0 + Σ wi·wini)/(a0+b0+Σ wi) + (1-α)·p_win_global
//	wi = exp(-λ·age_i),  n_eff = Σ wi,  α = n_eff/(n_eff+k)
//	EV = p_win·avg_win - (1-p_win)·avg_loss - fee_slippage
//	EV_conservative = EV - γ·p_tail_loss·|loss_q05|
func (e *Estimator) Estimate(trades []Trade) Snapshot {
	cfg := e.cfg
	now := time.Now()

	if len(trades) > cfg.LookbackTrades && cfg.LookbackTrades > 0 {
		trades = trades[len(trades)-cfg.LookbackTrades:]
	}

	var weightedWins, nEff float64
	var wins, losses []float64
	for _, tr := range trades {
		w := math.Exp(-cfg.RecencyLambda * tr.Age.Hours())
		nEff += w
		if tr.Win {
			weightedWins += w
		}
		if tr.PnL >= 0 {
			wins = append(wins, tr.PnL)
		} else {
			losses = append(losses, -tr.PnL)
		}
	}

	alpha := nEff / (nEff + cfg.ShrinkK)
	bayesPWin := (cfg.PriorA + weightedWins) / (cfg.PriorA + cfg.PriorB + nEff)
	pWin := alpha*bayesPWin + (1-alpha)*cfg.GlobalPWin

	avgWin := mean(wins)
	avgLoss := mean(losses)
	ev := pWin*avgWin - (1-pWin)*avgLoss - cfg.FeeSlippage

	lossQ05 := quantile(losses, 0.05)
	pTailLoss := 1 - pWin
	evConservative := ev - cfg.GammaTailPenalty*pTailLoss*math.Abs(lossQ05)

	var expectedHold int64
	if len(trades) > 0 {
		var sum int64
		for _, tr := range trades {
			sum += tr.HoldMs
		}
		expectedHold = sum / int64(len(trades))
	}

	sigma := stddev(append(append([]float64{}, wins...), negate(losses)...))

	return Snapshot{
		Mu:             ev,
		Sigma:          sigma,
		PWin:           pWin,
		ExpectedReturn: ev,
		ExpectedHoldMs: expectedHold,
		WorstCaseLoss:  lossQ05,
		Confidence:     confidenceFor(nEff),
		ModelVersion:   ModelVersion,
		ComputedAt:     now,
		EV:             ev,
		EVConservative: evConservative,
	}
}

// Gate applies the configured Mode to a Snapshot computed at entry time.
// It returns (allow, reasonCode). reasonCode is only meaningful when allow
// is false; it is always "risk.ev_non_positive" per the closed taxonomy.
func (e *Estimator) Gate(s Snapshot) (bool, string) {
	switch e.cfg.Mode {
	case ModeHard:
		if s.EVConservative <= e.cfg.EntryGateMinEV && s.Confidence != ConfidenceLow {
			return false, "risk.ev_non_positive"
		}
		return true, ""
	default: // shadow, soft
		return true, ""
	}
}

func confidenceFor(nEff float64) Confidence {
	switch {
	case nEff >= 40:
		return ConfidenceHigh
	case nEff >= 10:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}

// quantile returns the worst-case loss at tail probability q (e.g. q=0.05
// means "the loss magnitude exceeded by only 5% of historical losses"),
// returned as a negative PnL-like value. xs holds positive loss magnitudes.
func quantile(xs []float64, q float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64{}, xs...)
	sort.Float64s(sorted)
	idx := int((1 - q) * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return -sorted[idx]
}

func negate(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = -x
	}
	return out
}
