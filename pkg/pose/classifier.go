package pose

import (
	"math"
	"time"
)

// Label is a discrete pose classification of one frame.
type Label string

const (
	Unknown   Label = "Unknown"
	Standing  Label = "Standing"
	Sitting   Label = "Sitting"
	Crouching Label = "Crouching"
	Lying     Label = "Lying"
	Walking   Label = "Walking"
	Fallen    Label = "Fallen"
)

// Landmark indices of the 33-point pose topology.
const (
	lmLeftShoulder  = 11
	lmRightShoulder = 12
	lmLeftHip       = 23
	lmRightHip      = 24
	lmLeftKnee      = 25
	lmRightKnee     = 26
	lmLeftAnkle     = 27
	lmRightAnkle    = 28
	lmLeftHeel      = 29
	lmRightHeel     = 30
)

const (
	minPoseLandmarks = 31

	crouchKneeAngleThreshold = 95
	crouchKneeAngleSoft      = 108
	sitKneeAngleThreshold    = 140
	crouchHipOffset          = 0.03
	crouchHipKneeSoft        = 0.05
	crouchHipHeelThreshold   = 0.18
	crouchHipHeelXThreshold  = 0.08
	crouchMinConfidence      = 0.6
	walkingSpeedThreshold    = 0.08
	walkingMinKneeAngle      = 150
)

type landmark struct {
	x, y, z    float64
	visibility float64
	presence   float64
}

// Tracker holds the cross-frame perception state of a single sender:
// the fall automaton and the walking baseline. It is exclusively owned
// by its sender and must never be shared between senders.
type Tracker struct {
	clock func() time.Time

	fall fallMachine

	lastAnkleAt    time.Time
	lastLeftAnkle  landmark
	lastRightAnkle landmark
}

func NewTracker() *Tracker { return &Tracker{clock: time.Now} }

// FallState exposes the current automaton state, mostly for logs.
func (t *Tracker) FallState() FallState { return t.fall.state }

// Classify maps one frame of raw landmark rows [x,y,z,visibility?,presence?]
// to a pose label, updating the tracker's temporal state as a side
// effect. Malformed input returns Unknown without touching any state.
func (t *Tracker) Classify(landmarks [][]float64) Label {
	if len(landmarks) < minPoseLandmarks {
		return Unknown
	}

	leftShoulder := getLandmark(landmarks, lmLeftShoulder)
	rightShoulder := getLandmark(landmarks, lmRightShoulder)
	leftHip := getLandmark(landmarks, lmLeftHip)
	rightHip := getLandmark(landmarks, lmRightHip)
	leftKnee := getLandmark(landmarks, lmLeftKnee)
	rightKnee := getLandmark(landmarks, lmRightKnee)
	leftAnkle := getLandmark(landmarks, lmLeftAnkle)
	rightAnkle := getLandmark(landmarks, lmRightAnkle)
	leftHeel := getLandmark(landmarks, lmLeftHeel)
	rightHeel := getLandmark(landmarks, lmRightHeel)

	if leftShoulder == nil || rightShoulder == nil || leftHip == nil || rightHip == nil ||
		leftKnee == nil || rightKnee == nil || leftAnkle == nil || rightAnkle == nil ||
		leftHeel == nil || rightHeel == nil {
		return Unknown
	}

	shoulderX := (leftShoulder.x + rightShoulder.x) * 0.5
	shoulderY := (leftShoulder.y + rightShoulder.y) * 0.5
	hipX := (leftHip.x + rightHip.x) * 0.5
	hipY := (leftHip.y + rightHip.y) * 0.5
	kneeY := (leftKnee.y + rightKnee.y) * 0.5
	heelX := (leftHeel.x + rightHeel.x) * 0.5
	heelY := (leftHeel.y + rightHeel.y) * 0.5

	torsoDx := math.Abs(shoulderX - hipX)
	torsoDy := math.Abs(shoulderY - hipY)
	torsoAngle := math.Atan2(torsoDx, torsoDy) * (180 / math.Pi)
	comX := (shoulderX + hipX) * 0.5
	comY := (shoulderY + hipY) * 0.5

	minX, maxX, minY, maxY := 1.0, 0.0, 1.0, 0.0
	for _, entry := range landmarks {
		if len(entry) < 2 {
			continue
		}
		x, y := entry[0], entry[1]
		if math.IsNaN(x) || math.IsNaN(y) {
			continue
		}
		minX = math.Min(minX, x)
		maxX = math.Max(maxX, x)
		minY = math.Min(minY, y)
		maxY = math.Max(maxY, y)
	}
	bboxWidth := math.Max(maxX-minX, 1e-6)
	bboxHeight := math.Max(maxY-minY, 1e-6)
	aspectRatio := bboxHeight / bboxWidth
	torsoHorizontal := torsoDx > torsoDy*1.2

	if t.fall.update(comX, comY, torsoAngle, aspectRatio, bboxHeight, t.clock()) {
		return Fallen
	}
	if torsoHorizontal {
		return Lying
	}

	leftKneeAngle := jointAngle(leftHip, leftKnee, leftAnkle)
	rightKneeAngle := jointAngle(rightHip, rightKnee, rightAnkle)
	kneeAngle := (leftKneeAngle + rightKneeAngle) * 0.5
	hipKneeDelta := math.Abs(hipY - kneeY)
	hipToHeel := math.Abs(heelY - hipY)
	hipHeelDeltaX := math.Abs(hipX - heelX)
	crouchReliable := isConfident(leftHip, crouchMinConfidence) &&
		isConfident(rightHip, crouchMinConfidence) &&
		isConfident(leftKnee, crouchMinConfidence) &&
		isConfident(rightKnee, crouchMinConfidence) &&
		isConfident(leftHeel, crouchMinConfidence) &&
		isConfident(rightHeel, crouchMinConfidence)
	tightCrouch := crouchReliable &&
		kneeAngle < crouchKneeAngleThreshold &&
		hipKneeDelta < crouchHipOffset &&
		hipHeelDeltaX < crouchHipHeelXThreshold
	lowHipCrouch := crouchReliable &&
		kneeAngle < crouchKneeAngleSoft &&
		hipToHeel < crouchHipHeelThreshold &&
		hipKneeDelta < crouchHipKneeSoft &&
		hipHeelDeltaX < crouchHipHeelXThreshold
	if tightCrouch || lowHipCrouch {
		return Crouching
	}
	if kneeAngle < sitKneeAngleThreshold {
		return Sitting
	}
	if t.isWalking(landmarks, kneeAngle) {
		return Walking
	}
	return Standing
}

func getLandmark(landmarks [][]float64, index int) *landmark {
	if index < 0 || index >= len(landmarks) {
		return nil
	}
	entry := landmarks[index]
	if len(entry) < 3 {
		return nil
	}
	l := landmark{x: entry[0], y: entry[1], z: entry[2]}
	if math.IsNaN(l.x) || math.IsNaN(l.y) || math.IsNaN(l.z) {
		return nil
	}
	if len(entry) > 3 {
		l.visibility = entry[3]
	}
	if len(entry) > 4 {
		l.presence = entry[4]
	}
	return &l
}

func isConfident(l *landmark, threshold float64) bool {
	if l == nil {
		return false
	}
	visibility, presence := l.visibility, l.presence
	if math.IsNaN(visibility) {
		visibility = 0
	}
	if math.IsNaN(presence) {
		presence = 0
	}
	return math.Max(visibility, presence) >= threshold
}

// jointAngle is the law-of-cosines angle at the mid vertex in degrees.
// Degenerate segments yield a straight joint.
func jointAngle(first, mid, last *landmark) float64 {
	if first == nil || mid == nil || last == nil {
		return 180
	}
	ax := first.x - mid.x
	ay := first.y - mid.y
	bx := last.x - mid.x
	by := last.y - mid.y
	dot := ax*bx + ay*by
	magA := math.Sqrt(ax*ax + ay*ay)
	magB := math.Sqrt(bx*bx + by*by)
	if magA < 1e-6 || magB < 1e-6 {
		return 180
	}
	cosine := dot / (magA * magB)
	cosine = math.Max(-1, math.Min(1, cosine))
	return math.Acos(cosine) * (180 / math.Pi)
}

func dist(x1, y1, x2, y2 float64) float64 {
	dx := x1 - x2
	dy := y1 - y2
	return math.Sqrt(dx*dx + dy*dy)
}

// isWalking tracks ankle displacement between frames. The first frame
// only seeds the baseline and never reports walking.
func (t *Tracker) isWalking(landmarks [][]float64, kneeAngle float64) bool {
	if kneeAngle < walkingMinKneeAngle {
		return false
	}
	leftAnkle := getLandmark(landmarks, lmLeftAnkle)
	rightAnkle := getLandmark(landmarks, lmRightAnkle)
	if leftAnkle == nil || rightAnkle == nil {
		return false
	}
	now := t.clock()
	if t.lastAnkleAt.IsZero() {
		t.lastAnkleAt = now
		t.lastLeftAnkle = *leftAnkle
		t.lastRightAnkle = *rightAnkle
		return false
	}
	delta := now.Sub(t.lastAnkleAt)
	if delta <= 0 {
		return false
	}
	leftMove := dist(leftAnkle.x, leftAnkle.y, t.lastLeftAnkle.x, t.lastLeftAnkle.y)
	rightMove := dist(rightAnkle.x, rightAnkle.y, t.lastRightAnkle.x, t.lastRightAnkle.y)
	avgMove := (leftMove + rightMove) * 0.5
	speed := avgMove / delta.Seconds()
	t.lastAnkleAt = now
	t.lastLeftAnkle = *leftAnkle
	t.lastRightAnkle = *rightAnkle
	return speed > walkingSpeedThreshold
}
