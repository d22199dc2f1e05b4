// Copyright 2026 The gVisor Authors.
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

package seserver

import (
	"context"
	"errors"
	"time"

	"vse.dev/vse/pkg/ivc"
	"vse.dev/vse/pkg/log"
	"vse.dev/vse/pkg/vse/wire"
)

// pollInterval bounds how long Serve sleeps without a doorbell, so that a
// cancelled context is noticed.
const pollInterval = 10 * time.Millisecond

// Serve answers frames arriving on ch until ctx is done. ch is the backend
// end of the channel.
func (s *Server) Serve(ctx context.Context, ch *ivc.Channel) error {
	buf := make([]byte, wire.FrameSize)
	established := false
	for ctx.Err() == nil {
		if ok := ch.Notified(); ok != established {
			established = ok
			log.Infof("seserver: channel established: %t", ok)
		}
		if !established {
			ch.Wait(pollInterval)
			continue
		}
		if err := ch.Read(buf); err != nil {
			if !errors.Is(err, ivc.ErrWouldBlock) && !errors.Is(err, ivc.ErrReset) {
				return err
			}
			ch.Wait(pollInterval)
			continue
		}
		if err := s.Process(buf); err != nil {
			log.Warningf("seserver: encoding response: %v", err)
		}
		if err := s.reply(ctx, ch, buf); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) reply(ctx context.Context, ch *ivc.Channel, buf []byte) error {
	for ctx.Err() == nil {
		err := ch.Write(buf)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ivc.ErrReset):
			// The frontend restarted; its request died with it.
			log.Infof("seserver: dropping response, channel reset")
			return nil
		case errors.Is(err, ivc.ErrWouldBlock):
			ch.Wait(pollInterval)
		default:
			return err
		}
	}
	return nil
}
