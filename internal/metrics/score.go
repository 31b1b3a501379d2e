package metrics

import (
	"math"

	"github.com/velometry/velometry/internal/config"
)

// scoreScale converts the weighted sum in [0, 1] to the published scale.
const scoreScale = 100

// roundPlaces is the decimal precision of the published score.
const roundPlaces = 10

// dimension identifies one scored axis.
type dimension int

// The ten scored dimensions.
const (
	dimPRs dimension = iota
	dimReviews
	dimCommits
	dimCycleTime
	dimCompleted
	dimMergeRate
	dimDeployFrequency
	dimLeadTime
	dimChangeFailure
	dimMTTR
	dimensionCount
)

// smallerIsBetter marks the axes where a lower raw value scores higher.
var smallerIsBetter = map[dimension]bool{
	dimCycleTime:     true,
	dimLeadTime:      true,
	dimChangeFailure: true,
	dimMTTR:          true,
}

// volumeDimension marks the axes divided by team size when team-size
// normalization is on.
var volumeDimension = map[dimension]bool{
	dimPRs:       true,
	dimReviews:   true,
	dimCommits:   true,
	dimCompleted: true,
}

// Scorer computes peer-normalized performance scores.
type Scorer struct {
	weights             config.WeightsConfig
	normalizeByTeamSize bool
}

// NewScorer builds a scorer. The weight vector must already be validated;
// an invalid vector is a config error the loader rejects.
func NewScorer(weights config.WeightsConfig, normalizeByTeamSize bool) *Scorer {
	return &Scorer{weights: weights, normalizeByTeamSize: normalizeByTeamSize}
}

// Score computes the weighted peer-normalized score for person against
// peers. The peer list must include person; teamSizes maps each peer's team
// to its member count for optional volume normalization. The result lies in
// [0, 100], rounded to one decimal.
func (s *Scorer) Score(person PersonMetrics, peers []PersonMetrics, teamSizes map[string]int) float64 {
	personDims := s.dimensions(person, teamSizes)

	peerDims := make([][dimensionCount]Value, 0, len(peers))
	for _, peer := range peers {
		peerDims = append(peerDims, s.dimensions(peer, teamSizes))
	}

	var total float64

	for dim := dimension(0); dim < dimensionCount; dim++ {
		total += s.weight(dim) * normalized(dim, personDims[dim], peerDims)
	}

	score := total * scoreScale

	return math.Round(score*roundPlaces) / roundPlaces
}

// dimensions extracts the ten raw dimension values from a person's metrics.
func (s *Scorer) dimensions(p PersonMetrics, teamSizes map[string]int) [dimensionCount]Value {
	var dims [dimensionCount]Value

	dims[dimPRs] = Ok(float64(p.PRs.Merged))
	dims[dimReviews] = Ok(float64(p.Reviews.Total))
	dims[dimCommits] = Ok(float64(p.Contributors.TotalCommits))
	dims[dimCycleTime] = p.PRs.CycleTimeMedianHours
	dims[dimCompleted] = Ok(float64(p.Issues.Completed))
	dims[dimMergeRate] = p.PRs.MergeRate
	dims[dimDeployFrequency] = p.Delivery.DeploymentsPerDay
	dims[dimLeadTime] = p.Delivery.LeadTimeMedianHours
	dims[dimChangeFailure] = p.Delivery.ChangeFailureRate
	dims[dimMTTR] = p.Delivery.MTTRMedianHours

	if s.normalizeByTeamSize {
		size := teamSizes[p.Team]
		if size > 1 {
			for dim := range dims {
				if volumeDimension[dimension(dim)] && dims[dim].IsOK() {
					dims[dim] = Ok(dims[dim].Float / float64(size))
				}
			}
		}
	}

	return dims
}

// weight returns the configured weight of a dimension.
func (s *Scorer) weight(dim dimension) float64 {
	switch dim {
	case dimPRs:
		return s.weights.PRs
	case dimReviews:
		return s.weights.Reviews
	case dimCommits:
		return s.weights.Commits
	case dimCycleTime:
		return s.weights.CycleTime
	case dimCompleted:
		return s.weights.JiraCompleted
	case dimMergeRate:
		return s.weights.MergeRate
	case dimDeployFrequency:
		return s.weights.DeploymentFrequency
	case dimLeadTime:
		return s.weights.LeadTime
	case dimChangeFailure:
		return s.weights.ChangeFailureRate
	case dimMTTR:
		return s.weights.MTTR
	default:
		return 0
	}
}

// normalized min-max scales one dimension against the peer group. Missing
// dimensions score 0, as does a degenerate peer range: when every peer is
// equal nobody stands out, and a score of 0 preserves the invariant that a
// zero total means every dimension sits at the peer minimum.
func normalized(dim dimension, v Value, peers [][dimensionCount]Value) float64 {
	if !v.IsOK() {
		return 0
	}

	lo := math.Inf(1)
	hi := math.Inf(-1)

	for _, peer := range peers {
		pv := peer[dim]
		if !pv.IsOK() {
			continue
		}

		lo = math.Min(lo, pv.Float)
		hi = math.Max(hi, pv.Float)
	}

	if math.IsInf(lo, 1) || hi <= lo {
		return 0
	}

	scaled := (v.Float - lo) / (hi - lo)
	if smallerIsBetter[dim] {
		scaled = 1 - scaled
	}

	return scaled
}
