// Command gitbook2pdf crawls a GitBook site and assembles its pages into a
// single PDF that follows the book's table of contents.
//
// Usage:
//
//	gitbook2pdf https://example.gitbook.io/guide/ -o guide.pdf
//
// See --help for all available options.
package main

import "os"

func main() {
	os.Exit(Execute())
}
