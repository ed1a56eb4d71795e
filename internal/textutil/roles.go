package textutil

import (
	"strings"

	"github.com/JakeFAU/metascraper/internal/scraper"
)

var roleLabels = map[string]string{
	"声優":         scraper.RoleActor,
	"出演":         scraper.RoleActor,
	"出演者":        scraper.RoleActor,
	"キャスト":       scraper.RoleActor,
	"cv":         scraper.RoleActor,
	"cast":       scraper.RoleActor,
	"voice":      scraper.RoleActor,
	"actor":      scraper.RoleActor,
	"監督":         scraper.RoleDirector,
	"演出":         scraper.RoleDirector,
	"総監督":        scraper.RoleDirector,
	"director":   scraper.RoleDirector,
	"脚本":         scraper.RoleWriter,
	"シナリオ":       scraper.RoleWriter,
	"原作":         scraper.RoleWriter,
	"作者":         scraper.RoleWriter,
	"著者":         scraper.RoleWriter,
	"writer":     scraper.RoleWriter,
	"scenario":   scraper.RoleWriter,
	"原画":         scraper.RoleIllustrator,
	"イラスト":       scraper.RoleIllustrator,
	"作画":         scraper.RoleIllustrator,
	"キャラクターデザイン": scraper.RoleIllustrator,
	"illustrator": scraper.RoleIllustrator,
	"illust":     scraper.RoleIllustrator,
	"プロデューサー":    scraper.RoleProducer,
	"制作":         scraper.RoleProducer,
	"producer":   scraper.RoleProducer,
	"編集":         scraper.RoleEditor,
	"editor":     scraper.RoleEditor,
	"音楽":         scraper.RoleComposer,
	"作曲":         scraper.RoleComposer,
	"composer":   scraper.RoleComposer,
	"music":      scraper.RoleComposer,
}

// MapRole translates a staff-role label into the normalized role vocabulary.
// Unknown labels are returned verbatim (trimmed).
func MapRole(label string) string {
	trimmed := strings.TrimSpace(Normalize(label))
	trimmed = strings.TrimRight(trimmed, ":：")
	if role, ok := roleLabels[strings.ToLower(trimmed)]; ok {
		return role
	}
	return trimmed
}

// People builds credits for every name in a delimited list under one label.
func People(label, names string) []scraper.Person {
	role := MapRole(label)
	original := strings.TrimRight(strings.TrimSpace(Normalize(label)), ":：")
	var out []scraper.Person
	for _, name := range SplitList(names) {
		out = append(out, scraper.Person{Name: name, NormalizedType: role, OriginalRole: original})
	}
	return out
}
