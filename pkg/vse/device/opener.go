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

package device

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"vse.dev/vse/pkg/ivc"
	"vse.dev/vse/pkg/log"
	"vse.dev/vse/pkg/vse/transport"
	"vse.dev/vse/pkg/vse/wire"
)

// Channel is an attached channel endpoint.
type Channel interface {
	transport.Channel

	// Reset starts the reset handshake.
	Reset()

	// Close detaches from the channel.
	Close() error
}

var _ Channel = (*ivc.Channel)(nil)

// ChannelOpener reserves a channel by id.
type ChannelOpener interface {
	OpenChannel(id int) (Channel, error)
}

// OpenerFunc adapts a function to ChannelOpener.
type OpenerFunc func(id int) (Channel, error)

// OpenChannel implements ChannelOpener.OpenChannel.
func (f OpenerFunc) OpenChannel(id int) (Channel, error) {
	return f(id)
}

// FileOpener attaches to the frontend side of channel files. Channel id n
// lives at fmt.Sprintf(Path, n) when Path contains a verb, at Path
// otherwise.
type FileOpener struct {
	Path   string
	Frames int

	// Wait bounds how long OpenChannel waits for the engine service to
	// create the file.
	Wait time.Duration
}

func (o *FileOpener) path(id int) string {
	for i := 0; i+1 < len(o.Path); i++ {
		if o.Path[i] == '%' && o.Path[i+1] != '%' {
			return fmt.Sprintf(o.Path, id)
		}
	}
	return o.Path
}

// OpenChannel implements ChannelOpener.OpenChannel. A reserved endpoint
// fails immediately. A missing file is retried until Wait elapses.
func (o *FileOpener) OpenChannel(id int) (Channel, error) {
	path := o.path(id)
	cfg := ivc.Config{NFrames: o.Frames, FrameSize: wire.FrameSize}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxElapsedTime = o.Wait
	var ch *ivc.Channel
	op := func() error {
		var err error
		ch, err = ivc.Open(path, cfg, ivc.Frontend)
		if err == nil {
			return nil
		}
		if errors.Is(err, os.ErrNotExist) {
			log.Debugf("vse: channel %d file %q not there yet", id, path)
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("reserving channel %d: %w", id, err)
	}
	return ch, nil
}
