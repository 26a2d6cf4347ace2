package inject

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"golang.org/x/net/html/charset"
)

const mavenPlugin = `
      <plugin>
        <groupId>org.jacoco</groupId>
        <artifactId>jacoco-maven-plugin</artifactId>
        <version>` + JacocoVersion + `</version>
        <executions>
          <execution>
            <goals>
              <goal>prepare-agent</goal>
            </goals>
          </execution>
          <execution>
            <id>report</id>
            <phase>test</phase>
            <goals>
              <goal>report</goal>
            </goals>
          </execution>
        </executions>
      </plugin>
`

// Maven injects the jacoco-maven-plugin into pom.xml
type Maven struct{}

// Instrumented reports whether the pom already declares the plugin
func (Maven) Instrumented(pom []byte) bool {
	return bytes.Contains(pom, []byte("jacoco-maven-plugin"))
}

// span is the byte range of a tag in the pom
type span struct {
	start, end  int
	selfClosing bool
}

// pomLayout holds the positions needed for insertion. Only project/build
// and project/build/plugins count: plugins under pluginManagement or a
// profile never run by default.
type pomLayout struct {
	build      *span
	plugins    *span
	projectEnd int
}

// Inject adds the plugin to project/build/plugins, creating the plugins
// or build element when missing
func (Maven) Inject(pom []byte) ([]byte, error) {
	layout, err := scanPom(pom)
	if err != nil {
		return nil, err
	}

	switch {
	case layout.plugins != nil:
		return insertInto(pom, *layout.plugins, "plugins", mavenPlugin+"    "), nil
	case layout.build != nil:
		return insertInto(pom, *layout.build, "build", "\n    <plugins>"+mavenPlugin+"    </plugins>\n  "), nil
	case layout.projectEnd >= 0:
		block := "  <build>\n    <plugins>" + mavenPlugin + "    </plugins>\n  </build>\n"
		return splice(pom, layout.projectEnd, layout.projectEnd, block), nil
	}
	return nil, errors.New("pom.xml has no project element")
}

// asciiMask replaces every non-ASCII byte so that decoder offsets stay
// byte offsets into the original pom whatever encoding it declares.
// Markup of ASCII compatible encodings is left intact.
func asciiMask(pom []byte) []byte {
	masked := bytes.Clone(pom)
	if bom := []byte("\xef\xbb\xbf"); bytes.HasPrefix(masked, bom) {
		copy(masked, "   ")
	}
	for i, b := range masked {
		if b >= 0x80 {
			masked[i] = '_'
		}
	}
	return masked
}

func scanPom(pom []byte) (pomLayout, error) {
	layout := pomLayout{projectEnd: -1}
	dec := xml.NewDecoder(bytes.NewReader(asciiMask(pom)))
	dec.CharsetReader = charset.NewReaderLabel

	var stack []string
	for {
		offset := int(dec.InputOffset())
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return layout, fmt.Errorf("parsing pom.xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			end := int(dec.InputOffset())
			sp := &span{start: offset, end: end, selfClosing: bytes.HasSuffix(pom[offset:end], []byte("/>"))}
			path := append(stack, t.Name.Local)
			switch {
			case len(path) == 2 && path[0] == "project" && path[1] == "build" && layout.build == nil:
				layout.build = sp
			case len(path) == 3 && path[0] == "project" && path[1] == "build" && path[2] == "plugins" && layout.plugins == nil:
				layout.plugins = sp
			}
			stack = append(stack, t.Name.Local)
		case xml.EndElement:
			if len(stack) == 1 && stack[0] == "project" {
				layout.projectEnd = offset
			}
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	return layout, nil
}

// insertInto places body right after the start tag, expanding a
// self-closing tag into an open and close pair
func insertInto(pom []byte, sp span, name, body string) []byte {
	if sp.selfClosing {
		return splice(pom, sp.start, sp.end, "<"+name+">"+body+"</"+name+">")
	}
	return splice(pom, sp.end, sp.end, body)
}

func splice(data []byte, from, to int, insert string) []byte {
	out := make([]byte, 0, len(data)+len(insert))
	out = append(out, data[:from]...)
	out = append(out, insert...)
	out = append(out, data[to:]...)
	return out
}
