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

package upstream

import (
	"context"
	"log"

	"github.com/turtacn/plantgate/pkg/authz"
	"github.com/turtacn/plantgate/pkg/correlator"
	"github.com/turtacn/plantgate/pkg/metrics"
	"github.com/turtacn/plantgate/pkg/protocol/scada"
)

// Authorizer returns the devices a user may see.
type Authorizer interface {
	Authorized(ctx context.Context, userID string) authz.DeviceSet
}

// Correlator resolves a history response back to the querying user.
type Correlator interface {
	Resolve(seq int64) (string, bool)
}

// AlarmMembership tells whether a user opted into realtime alarms.
type AlarmMembership interface {
	IsSubscribed(userID string) bool
}

// Pusher delivers frames to a user's client socket. It reports false when
// the user has no open socket.
type Pusher interface {
	Push(userID string, p scada.Push) bool
}

// Router filters and forwards the upstream messages received by one user's
// session. Realtime feeds are filtered for the session's own user; history
// responses go to whichever user the correlator names, because every session
// receives every response.
type Router struct {
	Decoder    scada.Decoder
	Translator scada.Translator
	Authz      Authorizer
	Correlator Correlator
	Alarms     AlarmMembership
	Push       Pusher
}

// Route handles one message received by the session of sessionUser.
func (r *Router) Route(ctx context.Context, sessionUser, topic string, payload []byte) {
	msg, err := r.Decoder.Decode(topic, payload)
	if err != nil {
		metrics.MessagesDroppedTotal.WithLabelValues("malformed").Inc()
		log.Printf("[WARN] upstream: discarding message on %s for user %s: %v", topic, sessionUser, err)
		return
	}

	switch msg.Kind {
	case scada.KindRealtime:
		r.routeRealtime(ctx, sessionUser, msg)
	case scada.KindHistoryData:
		r.routeHistoryData(ctx, msg)
	case scada.KindRealtimeAlarm:
		r.routeRealtimeAlarm(ctx, sessionUser, msg)
	case scada.KindHistoryAlarm:
		r.routeHistoryAlarm(ctx, msg)
	}
}

// FilterRealtime returns the items of batch whose device is in set, in
// batch order.
func FilterRealtime(batch []scada.RealtimeItem, set authz.DeviceSet) []scada.RealtimeItem {
	out := make([]scada.RealtimeItem, 0, len(batch))
	for _, item := range batch {
		if set.Contains(item.Name) {
			out = append(out, item)
		}
	}
	return out
}

func (r *Router) routeRealtime(ctx context.Context, userID string, msg *scada.Message) {
	allowed := FilterRealtime(msg.Realtime, r.Authz.Authorized(ctx, userID))
	if dropped := len(msg.Realtime) - len(allowed); dropped > 0 {
		metrics.MessagesDroppedTotal.WithLabelValues("unauthorized").Add(float64(dropped))
	}
	if len(allowed) == 0 {
		return
	}
	r.deliver(userID, scada.RealtimePush(allowed))
}

func (r *Router) routeHistoryData(ctx context.Context, msg *scada.Message) {
	userID, ok := r.resolve(msg)
	if !ok {
		return
	}
	data, dropped, err := scada.FilterHistoryData(msg.Raw, r.Authz.Authorized(ctx, userID).Contains)
	if err != nil {
		metrics.MessagesDroppedTotal.WithLabelValues("malformed").Inc()
		log.Printf("[WARN] upstream: discarding history data seq %d for user %s: %v", msg.Seq, userID, err)
		return
	}
	if dropped > 0 {
		metrics.MessagesDroppedTotal.WithLabelValues("unauthorized").Add(float64(dropped))
	}
	if !r.deliver(userID, scada.HistoryDataPush(data)) {
		log.Printf("[INFO] upstream: user %s has no open socket, history data seq %d not delivered", userID, msg.Seq)
	}
}

func (r *Router) routeRealtimeAlarm(ctx context.Context, userID string, msg *scada.Message) {
	if !r.Alarms.IsSubscribed(userID) {
		metrics.MessagesDroppedTotal.WithLabelValues("not_subscribed").Add(float64(len(msg.Alarms)))
		return
	}
	alarms := r.filterAlarms(ctx, userID, msg.Alarms, r.Translator.Realtime)
	if len(alarms) == 0 {
		return
	}
	r.deliver(userID, scada.AlarmPush(alarms))
}

func (r *Router) routeHistoryAlarm(ctx context.Context, msg *scada.Message) {
	userID, ok := r.resolve(msg)
	if !ok {
		return
	}
	alarms := r.filterAlarms(ctx, userID, msg.Alarms, r.Translator.History)
	if !r.deliver(userID, scada.HistoryAlarmPush(alarms)) {
		log.Printf("[INFO] upstream: user %s has no open socket, history alarms seq %d not delivered", userID, msg.Seq)
	}
}

func (r *Router) filterAlarms(ctx context.Context, userID string, in []scada.Alarm, format func(scada.Alarm) scada.FormattedAlarm) []scada.FormattedAlarm {
	set := r.Authz.Authorized(ctx, userID)
	out := make([]scada.FormattedAlarm, 0, len(in))
	for _, a := range in {
		if !set.Contains(a.Name) {
			metrics.MessagesDroppedTotal.WithLabelValues("unauthorized").Inc()
			continue
		}
		out = append(out, format(a))
	}
	return out
}

// resolve consumes the ticket of a history response. Every session receives
// the same response, so all but one lookup miss.
func (r *Router) resolve(msg *scada.Message) (string, bool) {
	if !msg.HasSeq {
		metrics.MessagesDroppedTotal.WithLabelValues("correlation_miss").Inc()
		log.Printf("[WARN] upstream: %s response without seq dropped", msg.Kind)
		return "", false
	}
	userID, ok := r.Correlator.Resolve(msg.Seq)
	if !ok {
		metrics.MessagesDroppedTotal.WithLabelValues("correlation_miss").Inc()
		log.Printf("[DEBUG] upstream: %s seq %d: %v", msg.Kind, msg.Seq, correlator.ErrCorrelationMiss)
		return "", false
	}
	return userID, true
}

func (r *Router) deliver(userID string, p scada.Push) bool {
	if !r.Push.Push(userID, p) {
		return false
	}
	metrics.MessagesForwardedTotal.WithLabelValues(p.Type).Inc()
	return true
}
