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

package naming

import (
	"sort"
	"strings"

	"github.com/emersion/go-maildir"
)

// Store flag names are matched on the four letters following their
// leading `\` or `$`, so `\ANSWERED` and `$REPLIED` both land on R.
var flagLetters = map[string]maildir.Flag{
	"SEEN": maildir.FlagSeen,
	"FORW": maildir.FlagPassed,
	"ANSW": maildir.FlagReplied,
	"REPL": maildir.FlagReplied,
	"FLAG": maildir.FlagFlagged,
	"DELE": maildir.FlagTrashed,
}

// Letters maps store flag names to maildir info letters, sorted and
// without duplicates.  Unknown flags are dropped.
func Letters(names []string) []maildir.Flag {
	var letters []maildir.Flag
	seen := make(map[maildir.Flag]bool)
	for _, name := range names {
		if len(name) < 5 {
			continue
		}
		f, ok := flagLetters[strings.ToUpper(name[1:5])]
		if !ok || seen[f] {
			continue
		}
		seen[f] = true
		letters = append(letters, f)
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })
	return letters
}

// Suffix is the maildir info part for letters: ":2," followed by the
// letters, or empty when there are none.
func Suffix(letters []maildir.Flag) string {
	if len(letters) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(":2,")
	for _, f := range letters {
		sb.WriteRune(rune(f))
	}
	return sb.String()
}

// Placement is the maildir subdirectory for a message with letters.
func Placement(letters []maildir.Flag) string {
	if len(letters) == 0 {
		return "new"
	}
	return "cur"
}
