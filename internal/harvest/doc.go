// Package harvest defines the domain types shared by the listing, parsing,
// screening, download, and persistence stages of the article harvester,
// together with the error taxonomy those stages report through.
package harvest
