/*
Copyright 2011 The gomemcache AUTHORS

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package memcache

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// connMetrics are the counters of one Connection. A nil *connMetrics
// counts nothing.
type connMetrics struct {
	set *metrics.Set

	submitted      *metrics.Counter
	completed      *metrics.Counter
	timedOut       *metrics.Counter
	cancelled      *metrics.Counter
	rejected       *metrics.Counter
	reconnects     *metrics.Counter
	protocolErrors *metrics.Counter
	framingErrors  *metrics.Counter
	coalesced      *metrics.Counter
	redistributed  *metrics.Counter
}

func newConnMetrics() *connMetrics {
	s := metrics.NewSet()
	return &connMetrics{
		set:            s,
		submitted:      s.NewCounter("memcache_ops_submitted_total"),
		completed:      s.NewCounter("memcache_ops_completed_total"),
		timedOut:       s.NewCounter("memcache_ops_timedout_total"),
		cancelled:      s.NewCounter("memcache_ops_cancelled_total"),
		rejected:       s.NewCounter("memcache_ops_rejected_total"),
		reconnects:     s.NewCounter("memcache_reconnects_total"),
		protocolErrors: s.NewCounter("memcache_protocol_errors_total"),
		framingErrors:  s.NewCounter("memcache_framing_errors_total"),
		coalesced:      s.NewCounter("memcache_gets_coalesced_total"),
		redistributed:  s.NewCounter("memcache_ops_redistributed_total"),
	}
}

func (m *connMetrics) inc(pick func(*connMetrics) *metrics.Counter) {
	if m == nil {
		return
	}
	pick(m).Inc()
}

func (m *connMetrics) add(pick func(*connMetrics) *metrics.Counter, n int) {
	if m == nil || n <= 0 {
		return
	}
	pick(m).Add(n)
}

func (m *connMetrics) writePrometheus(w io.Writer) {
	if m == nil {
		return
	}
	m.set.WritePrometheus(w)
}

func mSubmitted(m *connMetrics) *metrics.Counter      { return m.submitted }
func mCompleted(m *connMetrics) *metrics.Counter      { return m.completed }
func mTimedOut(m *connMetrics) *metrics.Counter       { return m.timedOut }
func mCancelled(m *connMetrics) *metrics.Counter      { return m.cancelled }
func mRejected(m *connMetrics) *metrics.Counter       { return m.rejected }
func mReconnects(m *connMetrics) *metrics.Counter     { return m.reconnects }
func mProtocolErrors(m *connMetrics) *metrics.Counter { return m.protocolErrors }
func mFramingErrors(m *connMetrics) *metrics.Counter  { return m.framingErrors }
func mCoalesced(m *connMetrics) *metrics.Counter      { return m.coalesced }
func mRedistributed(m *connMetrics) *metrics.Counter  { return m.redistributed }
