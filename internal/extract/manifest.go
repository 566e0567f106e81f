package extract

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jparise/gh-mine/internal/report"
	"go.uber.org/zap"
	"golang.org/x/mod/modfile"
	"gopkg.in/yaml.v3"
)

type manifestParser func(path string, data []byte) ([]report.Dependency, error)

// manifestParsers maps root-level manifest names to their ecosystem.
var manifestParsers = map[string]struct {
	ecosystem string
	parse     manifestParser
}{
	"package.json": {"npm", parsePackageJSON},
	"pubspec.yaml": {"pub", parsePubspec},
	"go.mod":       {"go", parseGoMod},
	"pom.xml":      {"maven", parsePOM},
}

// scanManifestFiles reads the direct dependencies declared by the
// repository's root-level manifests. Unreadable manifests are skipped.
func (f *Filter) scanManifestFiles(dir string, files []string) []report.Manifest {
	var manifests []report.Manifest
	for _, p := range files {
		if strings.Contains(p, "/") {
			continue
		}
		m, ok := manifestParsers[p]
		if !ok {
			continue
		}

		data, ok, err := readCapped(filepath.Join(dir, p), f.maxFileBytes)
		if err != nil || !ok {
			f.logger.Debug("skipping manifest", zap.String("path", p), zap.Bool("tooLarge", !ok), zap.Error(err))
			continue
		}
		deps, err := m.parse(p, data)
		if err != nil {
			f.logger.Debug("failed to parse manifest", zap.String("path", p), zap.Error(err))
			continue
		}
		manifests = append(manifests, report.Manifest{
			Ecosystem:    m.ecosystem,
			Path:         p,
			Dependencies: deps,
		})
	}
	slices.SortFunc(manifests, func(a, b report.Manifest) int {
		return strings.Compare(a.Path, b.Path)
	})
	return manifests
}

func parsePackageJSON(_ string, data []byte) ([]report.Dependency, error) {
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, err
	}
	deps := scopedDeps(pkg.Dependencies, "dependencies")
	return append(deps, scopedDeps(pkg.DevDependencies, "devDependencies")...), nil
}

func parsePubspec(_ string, data []byte) ([]report.Dependency, error) {
	var spec struct {
		Dependencies map[string]yaml.Node `yaml:"dependencies"`
	}
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, err
	}
	versions := make(map[string]string, len(spec.Dependencies))
	for name, node := range spec.Dependencies {
		// SDK and path/git dependencies are maps; only hosted versions
		// are recorded.
		if node.Kind != yaml.ScalarNode {
			continue
		}
		versions[name] = node.Value
	}
	return scopedDeps(versions, ""), nil
}

func parseGoMod(path string, data []byte) ([]report.Dependency, error) {
	mf, err := modfile.ParseLax(path, data, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid go.mod: %w", err)
	}
	var deps []report.Dependency
	for _, req := range mf.Require {
		if req.Indirect {
			continue
		}
		deps = append(deps, report.Dependency{Name: req.Mod.Path, Version: req.Mod.Version})
	}
	return deps, nil
}

// pomProject is the subset of a Maven POM that declares direct
// dependencies. Managed and plugin dependencies are not read.
type pomProject struct {
	Properties struct {
		Entries []struct {
			XMLName xml.Name
			Value   string `xml:",chardata"`
		} `xml:",any"`
	} `xml:"properties"`
	Dependencies []struct {
		GroupID    string `xml:"groupId"`
		ArtifactID string `xml:"artifactId"`
		Version    string `xml:"version"`
		Scope      string `xml:"scope"`
	} `xml:"dependencies>dependency"`
}

// parsePOM records groupId:artifactId for each direct dependency. Versions
// that name a property of the same POM are resolved.
func parsePOM(_ string, data []byte) ([]report.Dependency, error) {
	var pom pomProject
	if err := xml.Unmarshal(data, &pom); err != nil {
		return nil, fmt.Errorf("invalid pom.xml: %w", err)
	}
	props := make(map[string]string, len(pom.Properties.Entries))
	for _, e := range pom.Properties.Entries {
		props[e.XMLName.Local] = strings.TrimSpace(e.Value)
	}

	deps := make([]report.Dependency, 0, len(pom.Dependencies))
	for _, d := range pom.Dependencies {
		if d.GroupID == "" || d.ArtifactID == "" {
			continue
		}
		version := strings.TrimSpace(d.Version)
		if name, ok := strings.CutPrefix(version, "${"); ok {
			if resolved, ok := props[strings.TrimSuffix(name, "}")]; ok {
				version = resolved
			}
		}
		deps = append(deps, report.Dependency{
			Name:    strings.TrimSpace(d.GroupID) + ":" + strings.TrimSpace(d.ArtifactID),
			Version: version,
			Scope:   strings.TrimSpace(d.Scope),
		})
	}
	slices.SortFunc(deps, func(a, b report.Dependency) int {
		return strings.Compare(a.Name, b.Name)
	})
	return deps, nil
}

func scopedDeps(m map[string]string, scope string) []report.Dependency {
	deps := make([]report.Dependency, 0, len(m))
	for name, version := range m {
		deps = append(deps, report.Dependency{Name: name, Version: version, Scope: scope})
	}
	slices.SortFunc(deps, func(a, b report.Dependency) int {
		return strings.Compare(a.Name, b.Name)
	})
	return deps
}
