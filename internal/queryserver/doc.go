// Package queryserver serves point membership queries over a
// previously built filter: POST a raw 20-byte SHA-1 to "/" and get
// back 204 (not compromised), 205 (compromised), or 400 (malformed
// request). The filter is loaded once at startup and never mutated.
package queryserver
