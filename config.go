/**
 * Standalone signaling server for multi-party meetings.
 * Copyright (C) 2024 struktur AG
 *
 * @license GNU AGPL version 3 or any later version
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */
package signaling

import (
	"os"
	"regexp"
	"time"

	"github.com/dlintw/goconf"
)

var (
	searchVarsRegexp = regexp.MustCompile(`\$\([A-Za-z][A-Za-z0-9_]*\)`)
)

func replaceEnvVars(s string) string {
	return searchVarsRegexp.ReplaceAllStringFunc(s, func(name string) string {
		name = name[2 : len(name)-1]
		value, found := os.LookupEnv(name)
		if !found {
			return name
		}

		return value
	})
}

// GetStringOptionWithEnv will get the string option and resolve any
// environment variable references in the form "$(VAR)".
func GetStringOptionWithEnv(config *goconf.ConfigFile, section string, option string) (string, error) {
	value, err := config.GetString(section, option)
	if err != nil {
		return "", err
	}

	value = replaceEnvVars(value)
	return value, nil
}

// GetIntOptionWithDefault returns the option value or the given default if
// the option is not set or not positive.
func GetIntOptionWithDefault(config *goconf.ConfigFile, section string, option string, defaultValue int) int {
	value, err := config.GetInt(section, option)
	if err != nil || value <= 0 {
		return defaultValue
	}

	return value
}

// GetDurationOptionWithDefault returns the option value in seconds or the
// given default if the option is not set or not positive.
func GetDurationOptionWithDefault(config *goconf.ConfigFile, section string, option string, defaultValue time.Duration) time.Duration {
	value, err := config.GetInt(section, option)
	if err != nil || value <= 0 {
		return defaultValue
	}

	return time.Duration(value) * time.Second
}
