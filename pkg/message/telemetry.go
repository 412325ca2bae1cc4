// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package message

import (
	"github.com/ssukssuk/sprout/pkg/device"
	"github.com/ssukssuk/sprout/pkg/uart"
)

// EventKind says why a sensor uplink was sent
type EventKind string

const (
	EventPeriodic        EventKind = "PERIODIC"
	EventAnomalyDetected EventKind = "ANOMALY_DETECTED"
	EventRecoveryDone    EventKind = "RECOVERY_DONE"
)

// SensorType names the sensor behind an anomaly
type SensorType string

const (
	SensorWaterLevel   SensorType = "WATER_LEVEL"
	SensorNutrientConc SensorType = "NUTRIENT_CONC"
)

// SensorStatus compares a value with its ideal range
type SensorStatus string

const (
	SensorOK   SensorStatus = "OK"
	SensorUp   SensorStatus = "UP"
	SensorDown SensorStatus = "DOWN"
)

// SensorValues are the reported readings
type SensorValues struct {
	Temperature  float64 `json:"temperature"`
	Humidity     float64 `json:"humidity"`
	WaterLevel   float64 `json:"water_level"`
	NutrientConc float64 `json:"nutrient_conc"`
}

// ValuesFromReading converts a decoded controller reading
func ValuesFromReading(r uart.Reading) SensorValues {
	return SensorValues{
		Temperature:  r.Temperature,
		Humidity:     r.Humidity,
		WaterLevel:   r.WaterLevel,
		NutrientConc: r.NutrientConc,
	}
}

// byKey returns the values keyed like ideal ranges
func (v SensorValues) byKey() map[string]float64 {
	return map[string]float64{
		device.KeyTemperature:  v.Temperature,
		device.KeyHumidity:     v.Humidity,
		device.KeyWaterLevel:   v.WaterLevel,
		device.KeyNutrientConc: v.NutrientConc,
	}
}

// ComputeStatus grades every value: DOWN below min, UP above max, otherwise
// OK. A missing range or bound never fails.
func ComputeStatus(values SensorValues, ranges map[string]device.Range) map[string]SensorStatus {
	status := make(map[string]SensorStatus, 4)
	for key, value := range values.byKey() {
		r, ok := ranges[key]
		switch {
		case !ok:
			status[key] = SensorOK
		case r.Min != nil && value < *r.Min:
			status[key] = SensorDown
		case r.Max != nil && value > *r.Max:
			status[key] = SensorUp
		default:
			status[key] = SensorOK
		}
	}
	return status
}

// SensorUplink reports a reading
type SensorUplink struct {
	Envelope
	EventKind         EventKind               `json:"event_kind"`
	TriggerSensorType *SensorType             `json:"trigger_sensor_type"`
	Values            SensorValues            `json:"values"`
	Status            map[string]SensorStatus `json:"status"`
	Seq               uint64                  `json:"seq"`
}

// SensorUplink builds a sensor report for the state's bound plant. trigger
// is empty for periodic reports.
func (b *Builder) SensorUplink(state *device.State, values SensorValues, kind EventKind, trigger SensorType, seq uint64) *SensorUplink {
	u := &SensorUplink{
		Envelope:  b.Envelope(b.MsgID(""), TypeSensorUplink, state.Binding.PlantID),
		EventKind: kind,
		Values:    values,
		Status:    ComputeStatus(values, state.Binding.IdealRanges),
		Seq:       seq,
	}
	if trigger != "" {
		u.TriggerSensorType = &trigger
	}
	return u
}

// ActionType names a corrective pump action
type ActionType string

const (
	ActionWaterAdd ActionType = "WATER_ADD"
	ActionNutriAdd ActionType = "NUTRI_ADD"
)

// ResultStatus is the outcome of a pump action
type ResultStatus string

const (
	ResultSuccess ResultStatus = "SUCCESS"
	ResultFail    ResultStatus = "FAIL"
)

// AutoRecoveryFailed is the error_message of failed actions
const AutoRecoveryFailed = "auto recovery failed"

// ActionResult reports a pump action outcome
type ActionResult struct {
	Envelope
	ActionType   ActionType   `json:"action_type"`
	ResultStatus ResultStatus `json:"result_status"`
	ErrorCode    *int         `json:"error_code"`
	ErrorMessage *string      `json:"error_message"`
	Seq          uint64       `json:"seq"`
}

// ActionSuccess builds a SUCCESS action result
func (b *Builder) ActionSuccess(state *device.State, action ActionType, seq uint64) *ActionResult {
	return &ActionResult{
		Envelope:     b.Envelope(b.MsgID(PrefixAction), TypeActionResult, state.Binding.PlantID),
		ActionType:   action,
		ResultStatus: ResultSuccess,
		Seq:          seq,
	}
}

// ActionFailure builds a FAIL action result carrying the controller's raw
// event code
func (b *Builder) ActionFailure(state *device.State, action ActionType, code int, seq uint64) *ActionResult {
	msg := AutoRecoveryFailed
	return &ActionResult{
		Envelope:     b.Envelope(b.MsgID(PrefixAction), TypeActionResult, state.Binding.PlantID),
		ActionType:   action,
		ResultStatus: ResultFail,
		ErrorCode:    &code,
		ErrorMessage: &msg,
		Seq:          seq,
	}
}

// Diagnosis codes
const (
	SymptomNotDetected = "NOT_DETECTED"
	SymptomSafe        = "SAFE"
	SymptomAttention   = "ATTENTION"
	SymptomWarning     = "WARNING"
	SymptomDanger      = "DANGER"
)

// ImageInference reports plant measurements from the uploaded images
type ImageInference struct {
	Envelope
	Height           float64 `json:"height"`
	Width            float64 `json:"width"`
	Anomaly          int     `json:"anomaly"`
	SymptomEnum      string  `json:"symptom_enum"`
	Confidence       int     `json:"confidence"`
	DiagnosisMessage string  `json:"diagnosis_message"`
	ImageKind1       string  `json:"image_kind1"`
	PublicURL1       string  `json:"public_url1"`
	MeasuredAt1      string  `json:"measured_at1"`
	ImageKind2       string  `json:"image_kind2"`
	PublicURL2       string  `json:"public_url2"`
	MeasuredAt2      string  `json:"measured_at2"`
}

// ImageRef points at one uploaded image
type ImageRef struct {
	ObjectKey  string
	MeasuredAt string
}

// Metrics is what the inference step measured
type Metrics struct {
	Height        float64 `json:"height"`
	Width         float64 `json:"width"`
	Confidence    int     `json:"confidence"`
	Discoloration float64 `json:"discoloration"`
}

// ImageInference builds the inference report. The diagnosis is derived from
// the metrics.
func (b *Builder) ImageInference(serial string, plantID *device.ID, m Metrics, top, side ImageRef) *ImageInference {
	symptom, text := Diagnose(m.Discoloration, m.Height)

	env := b.Envelope(b.MsgID(""), TypeImageInference, plantID)
	if serial != "" {
		env.SerialNum = serial
	}
	return &ImageInference{
		Envelope:         env,
		Height:           m.Height,
		Width:            m.Width,
		Anomaly:          int(m.Discoloration),
		SymptomEnum:      symptom,
		Confidence:       m.Confidence,
		DiagnosisMessage: text,
		ImageKind1:       ViewTop,
		PublicURL1:       top.ObjectKey,
		MeasuredAt1:      top.MeasuredAt,
		ImageKind2:       ViewSide,
		PublicURL2:       side.ObjectKey,
		MeasuredAt2:      side.MeasuredAt,
	}
}

// Diagnose grades the discoloration ratio (percent). A zero height means no
// plant was found in the image.
func Diagnose(ratio, height float64) (symptom, text string) {
	switch {
	case height == 0:
		return SymptomNotDetected, "No plant was detected."
	case ratio >= 15:
		return SymptomDanger, "Plant is in danger. Remove diseased leaves or act immediately."
	case ratio >= 10:
		return SymptomWarning, "About 10% of the leaves are discolored. Check nutrients and lighting."
	case ratio >= 5:
		return SymptomAttention, "Leaf color is starting to change. Check that water is not running low."
	default:
		return SymptomSafe, "Plant is healthy."
	}
}
