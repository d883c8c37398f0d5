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

package reconcile

// This file declares what the reconciler needs from the item store.
// *persist.DB provides all of it.

import (
	"context"

	"github.com/matta/fixlocalmail/internal/message"
	"github.com/matta/fixlocalmail/internal/naming"
	"github.com/matta/fixlocalmail/internal/persist"
	"github.com/matta/fixlocalmail/internal/source"
)

// CollectionLister lists the folder hierarchy of the maildir resource.
type CollectionLister interface {
	Collections(ctx context.Context) (map[int64]*message.Collection, error)
	RootCollections(ctx context.Context) ([]*message.Collection, error)
}

// ItemLister lists the items needing reconciliation.
type ItemLister interface {
	ListPending(ctx context.Context, sel persist.Selection, handler func(message.Item) error) error
}

// ItemRemover drops an item from the store once its file is in place.
type ItemRemover interface {
	DeleteItem(ctx context.Context, id int64) error
}

// Store provides all the store access a run performs.
type Store interface {
	CollectionLister
	ItemLister
	ItemRemover
	source.PartGetter
	naming.Store
}

var _ Store = (*persist.DB)(nil)
