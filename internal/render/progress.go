package render

// stageWeights sum to 100.
var stageWeights = []struct {
	stage  Stage
	weight float64
}{
	{StageAcquire, 10},
	{StageNormalize, 30},
	{StageConcatenate, 15},
	{StageComposite, 25},
	{StageMux, 15},
	{StageFinalize, 5},
}

// progressTracker turns per-stage fractions into a monotonic 0-100 value.
type progressTracker struct {
	onProgress func(float64)
	last       float64
}

func newProgressTracker(onProgress func(float64)) *progressTracker {
	return &progressTracker{onProgress: onProgress}
}

// advance reports that fraction (0..1) of stage is done.
func (p *progressTracker) advance(stage Stage, fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	var value float64
	for _, sw := range stageWeights {
		if sw.stage == stage {
			value += sw.weight * fraction
			break
		}
		value += sw.weight
	}

	if value <= p.last {
		return
	}
	p.last = value
	if p.onProgress != nil {
		p.onProgress(value)
	}
}
