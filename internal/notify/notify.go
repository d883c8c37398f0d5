// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package notify tells the running Akonadi server and KMail, over the
// session D-Bus, that the maildir changed behind their back.
package notify

import (
	"context"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

// Call is a method call on a remote D-Bus object.
type Call struct {
	Dest   string
	Path   string
	Method string // interface qualified
}

var (
	// Rescan the maildir so the removed items come back under their
	// new names.
	SyncMaildir = Call{
		Dest:   "org.freedesktop.Akonadi.Resource.akonadi_maildir_resource_0",
		Path:   "/",
		Method: "org.freedesktop.Akonadi.Resource.synchronize",
	}

	// Closing the main window is the only reliable way to drop
	// KMail's view cache.
	CloseKMail = Call{
		Dest:   "org.kde.kmail",
		Path:   "/kmail2/kmail_mainwindow_1",
		Method: "org.qtproject.Qt.QWidget.close",
	}

	StopAkonadi = Call{
		Dest:   "org.freedesktop.Akonadi.Control",
		Path:   "/ControlManager",
		Method: "org.freedesktop.Akonadi.ControlManager.shutdown",
	}
)

// Caller performs D-Bus calls.
type Caller interface {
	Call(ctx context.Context, c Call) error
}

// Bus is a Caller on the session bus.
type Bus struct {
	conn *dbus.Conn
}

// Dial connects to the session bus.
func Dial() (*Bus, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, errors.Wrap(err, "cannot connect to the session bus")
	}
	return &Bus{conn: conn}, nil
}

func (b *Bus) Call(ctx context.Context, c Call) error {
	obj := b.conn.Object(c.Dest, dbus.ObjectPath(c.Path))
	if err := obj.CallWithContext(ctx, c.Method, 0).Err; err != nil {
		return errors.Wrapf(err, "D-Bus call %s on %s%s failed", c.Method, c.Dest, c.Path)
	}
	return nil
}

func (b *Bus) Close() error {
	return b.conn.Close()
}

// Options select the optional clean-up steps.
type Options struct {
	StopKMail   bool
	StopAkonadi bool
}

// CleanUp asks Akonadi to resynchronize the maildir and, if requested,
// closes KMail and stops Akonadi.  Failures are logged and never
// returned.
func CleanUp(ctx context.Context, bus Caller, opts Options, logger log.Logger) {
	if err := bus.Call(ctx, SyncMaildir); err != nil {
		level.Warn(logger).Log("msg", "failed to trigger Akonadi synchronization", "err", err)
	}
	if opts.StopKMail || opts.StopAkonadi {
		if err := bus.Call(ctx, CloseKMail); err != nil {
			level.Warn(logger).Log("msg", "failed to close KMail; you may need to restart it manually", "err", err)
		} else {
			level.Info(logger).Log("msg", "KMail closed, please restart it manually")
		}
	}
	if opts.StopAkonadi {
		if err := bus.Call(ctx, StopAkonadi); err != nil {
			level.Warn(logger).Log("msg", "failed to stop Akonadi; run `akonadictl stop` manually", "err", err)
		} else {
			level.Info(logger).Log("msg", "Akonadi server stopped")
		}
	}
}
