package swarm

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Aegis-Chain/internal/errors"
)

// Posture 是投票人固定的风险评估姿态。
type Posture string

const (
	PostureRiskTolerant        Posture = "risk_tolerant"
	PostureCapitalPreserving   Posture = "capital_preserving"
	PostureConsistencyFavoring Posture = "consistency_favoring"
)

// 各姿态的默认阈值，单位为主单位。
const (
	defaultRiskTolerance     = 0.02
	defaultPreservationLimit = 0.015
	defaultConsistencyNorm   = 0.005
)

// 确定性姿态的固定置信度。
const (
	fixedConfidenceApprove = 0.9
	fixedConfidenceReject  = 0.6
)

const (
	CodeVoterInvalid xerrors.Code = "VOTER_INVALID"
	CodeEmptyCouncil xerrors.Code = "COUNCIL_EMPTY"
)

func init() {
	xerrors.Register(CodeVoterInvalid, xerrors.Attributes{
		Message:   "voter configuration invalid",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeEmptyCouncil, xerrors.Attributes{
		Message:   "no voters registered",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Voter 是一个注册过的投票人。Threshold 为零时使用姿态默认值，
// 阈值是配置而非可变状态，投票人跨提案无记忆。
type Voter struct {
	Identity  common.Address `json:"identity"`
	Name      string         `json:"name"`
	Posture   Posture        `json:"posture"`
	Threshold float64        `json:"threshold,omitempty"`
}

// IsValidPosture 检查姿态是否为支持的枚举值。
func IsValidPosture(posture Posture) bool {
	switch posture {
	case PostureRiskTolerant, PostureCapitalPreserving, PostureConsistencyFavoring:
		return true
	default:
		return false
	}
}

func (v Voter) threshold() float64 {
	if v.Threshold > 0 {
		return v.Threshold
	}
	switch v.Posture {
	case PostureRiskTolerant:
		return defaultRiskTolerance
	case PostureCapitalPreserving:
		return defaultPreservationLimit
	default:
		return defaultConsistencyNorm
	}
}

// Vote 是一个投票人对一个提案的判断，投出后不可变。
type Vote struct {
	Voter      string         `json:"voter"`
	Identity   common.Address `json:"identity"`
	Approved   bool           `json:"approved"`
	Confidence float64        `json:"confidence"`
	Reasoning  string         `json:"reasoning"`
	CastAt     time.Time      `json:"cast_at"`
}

// cast 按投票人姿态对主单位金额作出判断。drawSentiment 只有
// 风险容忍姿态使用，其余两种姿态完全确定。
func (v Voter) cast(amountMajor float64, now time.Time, drawSentiment func() float64) Vote {
	vote := Vote{
		Voter:    v.Name,
		Identity: v.Identity,
		CastAt:   now,
	}
	threshold := v.threshold()

	switch v.Posture {
	case PostureRiskTolerant:
		sentiment := drawSentiment()
		stretched := 3 * threshold
		switch {
		case amountMajor <= threshold:
			vote.Approved = true
			vote.Reasoning = fmt.Sprintf(
				"Amount %.6f is within my risk tolerance of %.6f, taking the position.",
				amountMajor, threshold)
		case amountMajor <= stretched && sentiment > 0.45:
			vote.Approved = true
			vote.Reasoning = fmt.Sprintf(
				"Amount %.6f stretches past my tolerance %.6f but stays under %.6f and sentiment %.2f reads favorable.",
				amountMajor, threshold, stretched, sentiment)
		default:
			vote.Reasoning = fmt.Sprintf(
				"Amount %.6f is beyond what sentiment %.2f justifies against my tolerance %.6f.",
				amountMajor, sentiment, threshold)
		}
		vote.Confidence = sentiment

	case PostureCapitalPreserving:
		if amountMajor <= threshold {
			vote.Approved = true
			vote.Confidence = fixedConfidenceApprove
			vote.Reasoning = fmt.Sprintf(
				"Outlay %.6f sits under my capital preservation limit of %.6f, principal stays protected.",
				amountMajor, threshold)
		} else {
			vote.Confidence = fixedConfidenceReject
			vote.Reasoning = fmt.Sprintf(
				"Outlay %.6f would breach my capital preservation limit of %.6f, I will not risk principal.",
				amountMajor, threshold)
		}

	default:
		cutoff := 2 * threshold
		if amountMajor <= cutoff {
			vote.Approved = true
			vote.Confidence = fixedConfidenceApprove
			vote.Reasoning = fmt.Sprintf(
				"Size %.6f stays within twice my usual position norm of %.6f, consistent with past behavior.",
				amountMajor, threshold)
		} else {
			vote.Confidence = fixedConfidenceReject
			vote.Reasoning = fmt.Sprintf(
				"Size %.6f deviates from my position norm of %.6f by more than double, inconsistent with my record.",
				amountMajor, threshold)
		}
	}
	return vote
}
