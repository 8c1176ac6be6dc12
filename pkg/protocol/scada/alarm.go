// Copyright 2024 The plantgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scada

import (
	"encoding/json"
	"time"
)

// DisplayLayout is the timestamp layout clients render.
const DisplayLayout = "2006-01-02 15:04:05"

// Alarm status labels.
const (
	StatusUnhandled    = "未处理"
	StatusAcknowledged = "已确认"
	StatusCleared      = "已消除"
	StatusHandled      = "已处理"
)

var alarmTypeLabels = map[string]string{
	"H":  "高值报警",
	"L":  "低值报警",
	"HH": "高高限报警",
	"LL": "低低限报警",
}

// AlarmTypeLabel returns the display label for an alarm type code. Unknown
// codes are returned unchanged.
func AlarmTypeLabel(code string) string {
	if label, ok := alarmTypeLabels[code]; ok {
		return label
	}
	return code
}

// FormattedAlarm is an alarm as pushed to clients.
type FormattedAlarm struct {
	Time       *string         `json:"time"`
	DeviceName string          `json:"deviceName"`
	Type       string          `json:"type"`
	Value      Float           `json:"value"`
	Limit      Float           `json:"limit"`
	Status     string          `json:"status"`
	Desc       string          `json:"desc"`
	Level      json.RawMessage `json:"level,omitempty"`
	CancelTime *string         `json:"cancelTime"`
	AckTime    *string         `json:"ackTime"`
	Operator   *string         `json:"operator,omitempty"`
	Result     *string         `json:"result,omitempty"`
}

// Translator renders alarms for display in a fixed time zone.
type Translator struct {
	Location *time.Location
}

// Realtime formats an alarm of the live feed. State 0 is unhandled, 1
// acknowledged, anything else cleared.
func (t Translator) Realtime(a Alarm) FormattedAlarm {
	f := t.base(a)
	switch {
	case a.State.Valid && a.State.Value == 0:
		f.Status = StatusUnhandled
	case a.State.Valid && a.State.Value == 1:
		f.Status = StatusAcknowledged
	default:
		f.Status = StatusCleared
	}
	return f
}

// History formats an alarm of a history query. History alarms are always
// handled and carry the operator and the handling result.
func (t Translator) History(a Alarm) FormattedAlarm {
	f := t.base(a)
	f.Status = StatusHandled
	operator, result := a.Operate, a.Results
	f.Operator, f.Result = &operator, &result
	return f
}

func (t Translator) base(a Alarm) FormattedAlarm {
	desc := a.Desc
	if desc == "" {
		desc = a.AlmDesc
	}
	return FormattedAlarm{
		Time:       t.format(a.NewTime),
		DeviceName: a.Name,
		Type:       AlarmTypeLabel(a.Type),
		Value:      a.Trigger,
		Limit:      a.Limit,
		Desc:       desc,
		Level:      a.Level,
		CancelTime: t.format(a.CancelTime),
		AckTime:    t.format(a.AckTime),
	}
}

func (t Translator) format(ts Time) *string {
	if !ts.Valid {
		return nil
	}
	loc := t.Location
	if loc == nil {
		loc = time.Local
	}
	s := ts.Time.In(loc).Format(DisplayLayout)
	return &s
}
