// Copyright 2026 The iTaK Authors
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

package store

import (
	"database/sql"
	"strconv"
	"strings"
)

// Rebind converts ?-style placeholders into the driver's native form in
// a single pass. sqlite3 and mysql take ? as-is; postgres (lib/pq)
// needs $1..$n.
func Rebind(driver, query string) string {
	if driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for _, r := range query {
		if r == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// keyColumnType returns the type used for primary-key and indexed text
// columns. mysql cannot index unbounded TEXT.
func keyColumnType(driver string) string {
	if driver == "mysql" {
		return "VARCHAR(191)"
	}
	return "TEXT"
}

// createIndex issues CREATE INDEX in the driver's idempotent form.
// mysql has no IF NOT EXISTS for indexes, so a duplicate-name error on
// re-migration is swallowed.
func createIndex(db *sql.DB, driver, name, table, columns string) error {
	if driver == "mysql" {
		_, err := db.Exec("CREATE INDEX " + name + " ON " + table + " (" + columns + ")")
		if err != nil && strings.Contains(err.Error(), "Duplicate key name") {
			return nil
		}
		return err
	}
	_, err := db.Exec("CREATE INDEX IF NOT EXISTS " + name + " ON " + table + " (" + columns + ")")
	return err
}
