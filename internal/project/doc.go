// Package project loads the build definition of a Python application.
//
// The definition lives in an optional "pyslim.toml" at the project root.
// Every field has a default, so a project consisting of requirements.txt
// and src/main.py builds without one. Paths in the definition are relative
// to the project root, which is also the build context.
package project
