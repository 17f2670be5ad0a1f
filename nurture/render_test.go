package nurture

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	cases := []struct {
		name     string
		template string
		vars     map[string]string
		want     string
	}{
		{
			name:     "All variables present",
			template: "Hola {nombre}, {producto} cuesta {precio}.",
			vars:     map[string]string{"nombre": "Ana", "producto": "el curso", "precio": "$49"},
			want:     "Hola Ana, el curso cuesta $49.",
		},
		{
			name:     "Missing name leaves no dangling space",
			template: "Hola de nuevo {nombre}! Te espero.",
			vars:     nil,
			want:     "Hola de nuevo! Te espero.",
		},
		{
			name:     "Missing product before a comma",
			template: "Ey! Vi que te interesó {producto}, {nombre}.",
			vars:     map[string]string{"nombre": "Ana"},
			want:     "Ey! Vi que te interesó, Ana.",
		},
		{
			name:     "Unknown tokens are kept",
			template: "Código {cupon} para {nombre}",
			vars:     map[string]string{"nombre": "Leo", "cupon": "X1"},
			want:     "Código {cupon} para Leo",
		},
		{
			name:     "Whitespace-only values count as missing",
			template: "{nombre} gracias",
			vars:     map[string]string{"nombre": "   "},
			want:     "gracias",
		},
		{
			name:     "Spacing away from a blank token is kept",
			template: "Hola  {nombre},  mira esto:  {producto}  ya.",
			vars:     map[string]string{"nombre": "Ana"},
			want:     "Hola  Ana,  mira esto: ya.",
		},
		{
			name:     "Blank token in the middle of a sentence",
			template: "Tu {producto} te espera ,  {nombre}",
			vars:     nil,
			want:     "Tu te espera ,",
		},
		{
			name:     "Blank token at the start of a line",
			template: "Hola!\n{nombre} vuelve pronto",
			vars:     nil,
			want:     "Hola!\nvuelve pronto",
		},
		{
			name:     "Untouched when nothing is blanked",
			template: "Sin  variables  aquí",
			vars:     nil,
			want:     "Sin  variables  aquí",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Render(tc.template, tc.vars))
		})
	}
}
