// Copyright 2025 Tom Barlow
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

package secrets

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/tombee/wrkflw/pkg/errors"
)

// EnvPrefix marks process environment variables that carry secrets:
// WRKFLW_SECRET_TOKEN becomes the secret TOKEN.
const EnvPrefix = "WRKFLW_SECRET_"

// Sources describes where a run's secrets come from. Later sources win:
// process environment, then the secrets file, then explicit pairs.
type Sources struct {
	// File is an optional dotenv-style secrets file
	File string

	// Pairs are explicit KEY=value entries from the command line
	Pairs []string
}

// Load assembles the secret mapping from all configured sources.
func Load(src Sources) (map[string]string, error) {
	out := make(map[string]string)

	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		key := strings.TrimPrefix(name, EnvPrefix)
		if key != "" {
			out[key] = value
		}
	}

	if src.File != "" {
		fromFile, err := godotenv.Read(src.File)
		if err != nil {
			return nil, errors.Wrapf(err, "reading secrets file %s", src.File)
		}
		for k, v := range fromFile {
			out[k] = v
		}
	}

	for _, pair := range src.Pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid secret %q: expected KEY=value", pair)
		}
		out[key] = value
	}

	return out, nil
}
