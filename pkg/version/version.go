// pop3client
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package version

var (
	versionGit    = "development"
	versionNumber = "0.3.0"
	VersionString = "pop3client " + versionNumber + " (" + versionGit + ")\n"
)

// UserAgent identifies a binary to remote APIs.
func UserAgent(binary string) string {
	return binary + "/" + versionNumber
}
