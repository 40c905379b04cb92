// Copyright 2025 Antfly, Inc.
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

package seqtune

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// maxRecordDirs bounds the numbered record directories of one run name.
const maxRecordDirs = 100

// ErrTooManyRecordDirs is returned when every numbered record directory of a
// run name already exists.
var ErrTooManyRecordDirs = errors.New("too many record directories with the same name")

// NewRecordDir creates the first free directory <saveDir>/<name>-NN, NN
// counting from 01, and returns its path.
func NewRecordDir(saveDir, name string) (string, error) {
	if err := os.MkdirAll(saveDir, 0755); err != nil {
		return "", fmt.Errorf("creating save directory: %w", err)
	}
	for uid := 1; uid <= maxRecordDirs; uid++ {
		dir := filepath.Join(saveDir, fmt.Sprintf("%s-%02d", name, uid))
		err := os.Mkdir(dir, 0755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("creating record directory: %w", err)
		}
	}
	return "", fmt.Errorf("%w: %s", ErrTooManyRecordDirs, name)
}
