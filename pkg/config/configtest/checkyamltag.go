// Copyright 2023 LiveKit, Inc.
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

package configtest

import (
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"go.uber.org/multierr"
)

var snakeCase = regexp.MustCompile(`^[a-z][a-z0-9]*(_[a-z0-9]+)*$`)

type tagChecker struct {
	// only types declared under this import path prefix are inspected
	pkgPrefix string
	seen      map[reflect.Type]struct{}
}

func (c *tagChecker) check(t reflect.Type) error {
	if _, ok := c.seen[t]; ok {
		return nil
	}
	c.seen[t] = struct{}{}

	switch t.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.Pointer:
		return c.check(t.Elem())
	case reflect.Struct:
		if !strings.HasPrefix(t.PkgPath(), c.pkgPrefix) {
			return nil
		}

		var errs error
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() || field.Tag.Get("config") == "allowempty" {
				continue
			}

			parts := strings.Split(field.Tag.Get("yaml"), ",")
			switch {
			case parts[0] == "-":
				continue
			case slices.Contains(parts, "inline"):
			case !snakeCase.MatchString(parts[0]):
				errs = multierr.Append(errs, fmt.Errorf("%s.%s yaml name %q is not snake case", t.Name(), field.Name, parts[0]))
			case field.Type.Kind() != reflect.Bool && !slices.Contains(parts, "omitempty"):
				errs = multierr.Append(errs, fmt.Errorf("%s.%s missing omitempty tag", t.Name(), field.Name))
			}

			errs = multierr.Append(errs, c.check(field.Type))
		}
		return errs
	default:
		return nil
	}
}

// CheckYAMLTags walks a config type and reports every field declared under
// pkgPrefix that lacks a snake case yaml name or an omitempty option.
func CheckYAMLTags(config any, pkgPrefix string) error {
	c := &tagChecker{pkgPrefix: pkgPrefix, seen: map[reflect.Type]struct{}{}}
	return c.check(reflect.TypeOf(config))
}
