package routes

import (
	"cmp"
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"

	"github.com/hey-memory/LR4HCAR/pkg/betae"
)

// GetStructuresHandler lists the named query structures.
func GetStructuresHandler(c echo.Context) error {
	type structure struct {
		Name      string `json:"name"`
		Structure string `json:"structure"`
		Tokens    int    `json:"tokens"`
	}

	out := make([]structure, 0, len(betae.StandardNames))
	for literal, name := range betae.StandardNames {
		s, err := betae.ParseStructure(literal)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		out = append(out, structure{Name: name, Structure: s.String(), Tokens: s.Tokens()})
	}
	slices.SortFunc(out, func(a, b structure) int {
		if d := cmp.Compare(a.Tokens, b.Tokens); d != 0 {
			return d
		}
		return cmp.Compare(a.Name, b.Name)
	})

	return c.JSON(http.StatusOK, out)
}
