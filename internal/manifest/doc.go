// Package manifest parses Python dependency manifests.
//
// A manifest is a requirements file: one requirement specifier per line,
// with "#" comments, blank lines and backslash continuations. Each
// requirement is a distribution name, optional extras, an optional version
// specifier or direct URL, and an optional environment marker:
//
//	requests==2.31.0
//	uvicorn[standard]>=0.23,<1 ; python_version >= "3.9"
//	mylib @ https://example.com/mylib-1.0.tar.gz
//
// Lines starting with "-" (such as "--index-url" or "-r other.txt") are
// installer options, and lines naming a local path or URL instead of a
// distribution are references. Both are kept verbatim and not interpreted,
// as are options trailing a requirement ("--hash=sha256:..."). Parsing is
// a preflight: it rejects manifests the installer could never resolve before
// any container is started, but version resolution itself is left to the
// installer.
package manifest
