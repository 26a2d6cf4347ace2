package inject

import (
	"regexp"
)

var (
	gradleSignature = regexp.MustCompile(`id\s*\(?\s*['"]jacoco['"]|apply\s+plugin:\s*['"]jacoco['"]|jacocoTestReport`)
	pluginsBlock    = regexp.MustCompile(`(?m)^[ \t]*plugins\s*\{`)
	buildscript     = regexp.MustCompile(`(?m)^[ \t]*buildscript\s*\{`)
)

const gradleToolBlock = `
jacoco {
    toolVersion = "` + JacocoVersion + `"
}
`

// Gradle injects the jacoco plugin into build.gradle
type Gradle struct{}

// Instrumented reports whether the script already applies the plugin
func (Gradle) Instrumented(script []byte) bool {
	return gradleSignature.Match(script)
}

// Inject applies the plugin. An existing plugins block gets the id; a
// buildscript block must stay first, so the legacy apply form is appended
// instead; otherwise a plugins block is prepended. The tool version block
// is always appended.
func (Gradle) Inject(script []byte) ([]byte, error) {
	var out []byte
	if loc := pluginsBlock.FindIndex(script); loc != nil {
		out = splice(script, loc[1], loc[1], "\n    id 'jacoco'")
	} else if buildscript.Match(script) {
		out = append(append([]byte(nil), script...), "\napply plugin: 'jacoco'\n"...)
	} else {
		out = append([]byte("plugins {\n    id 'jacoco'\n}\n\n"), script...)
	}
	return append(out, gradleToolBlock...), nil
}
