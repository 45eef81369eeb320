// Copyright 2020 The NATS Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package uwsc

// State is the connection state machine of §4.5. It advances monotonically
// through this sequence except for the terminal transition to Closed, which
// may occur from any non-terminal state.
type State int

const (
	StateConnecting State = iota
	StateSSLHandshake
	StateHandshake
	StateParseMsgHead
	StateParseMsgPaylen
	StateParseMsgPayload
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateSSLHandshake:
		return "SSL_HANDSHAKE"
	case StateHandshake:
		return "HANDSHAKE"
	case StateParseMsgHead:
		return "PARSE_MSG_HEAD"
	case StateParseMsgPaylen:
		return "PARSE_MSG_PAYLEN"
	case StateParseMsgPayload:
		return "PARSE_MSG_PAYLOAD"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// substateToState maps the frame decoder's fine-grained substate onto the
// coarser client-visible State of §3/§4.5.
func substateToState(s parseSubstate) State {
	switch s {
	case parseHead:
		return StateParseMsgHead
	case parsePaylen:
		return StateParseMsgPaylen
	case parsePayload:
		return StateParseMsgPayload
	default:
		return StateParseMsgHead
	}
}
