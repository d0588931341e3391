package compile

import (
	"fmt"

	"github.com/go-gl/gl/v4.1-core/gl"

	"github.com/Faultbox/midgard-lod/internal/scene"
	"github.com/Faultbox/midgard-lod/pkg/math"
)

const flatVertexShader = `#version 410 core
layout(location = 0) in vec3 aPosition;
layout(location = 1) in vec3 aNormal;
uniform mat4 uMVP;
out vec3 vNormal;
void main() {
	vNormal = aNormal;
	gl_Position = uMVP * vec4(aPosition, 1.0);
}
` + "\x00"

const flatFragmentShader = `#version 410 core
in vec3 vNormal;
uniform vec3 uLightDir;
out vec4 FragColor;
void main() {
	float d = length(vNormal) > 0.0 ? max(dot(normalize(vNormal), uLightDir), 0.0) : 1.0;
	FragColor = vec4(vec3(0.25 + 0.75 * d), 1.0);
}
` + "\x00"

// FlatProgram draws uploaded geometry with a single directional light.
type FlatProgram struct {
	program  uint32
	mvpLoc   int32
	lightLoc int32
}

// NewFlatProgram compiles and links the program. The GL context must be
// current.
func NewFlatProgram() (*FlatProgram, error) {
	vs, err := compileShader(flatVertexShader, gl.VERTEX_SHADER, "vertex")
	if err != nil {
		return nil, err
	}
	defer gl.DeleteShader(vs)
	fs, err := compileShader(flatFragmentShader, gl.FRAGMENT_SHADER, "fragment")
	if err != nil {
		return nil, err
	}
	defer gl.DeleteShader(fs)

	program := gl.CreateProgram()
	gl.AttachShader(program, vs)
	gl.AttachShader(program, fs)
	gl.LinkProgram(program)

	var status int32
	gl.GetProgramiv(program, gl.LINK_STATUS, &status)
	if status == gl.FALSE {
		var logLen int32
		gl.GetProgramiv(program, gl.INFO_LOG_LENGTH, &logLen)
		log := make([]byte, max(logLen, 1))
		gl.GetProgramInfoLog(program, logLen, nil, &log[0])
		gl.DeleteProgram(program)
		return nil, fmt.Errorf("link: %s", log)
	}

	return &FlatProgram{
		program:  program,
		mvpLoc:   gl.GetUniformLocation(program, gl.Str("uMVP\x00")),
		lightLoc: gl.GetUniformLocation(program, gl.Str("uLightDir\x00")),
	}, nil
}

func compileShader(source string, shaderType uint32, name string) (uint32, error) {
	shader := gl.CreateShader(shaderType)
	csource, free := gl.Strs(source)
	gl.ShaderSource(shader, 1, csource, nil)
	free()
	gl.CompileShader(shader)

	var status int32
	gl.GetShaderiv(shader, gl.COMPILE_STATUS, &status)
	if status == gl.FALSE {
		var logLen int32
		gl.GetShaderiv(shader, gl.INFO_LOG_LENGTH, &logLen)
		log := make([]byte, max(logLen, 1))
		gl.GetShaderInfoLog(shader, logLen, nil, &log[0])
		gl.DeleteShader(shader)
		return 0, fmt.Errorf("%s shader: %s", name, log)
	}
	return shader, nil
}

// Draw renders every drawable of geodes that has GL buffers and returns the
// number of draw calls issued. Drawables not yet uploaded are skipped.
func (p *FlatProgram) Draw(geodes []*scene.Geode, mvp math.Mat4, light math.Vec3) int {
	gl.UseProgram(p.program)
	gl.UniformMatrix4fv(p.mvpLoc, 1, false, mvp.Ptr())
	l := light.Normalize()
	gl.Uniform3f(p.lightLoc, l.X, l.Y, l.Z)

	calls := 0
	for _, g := range geodes {
		for _, d := range g.Drawables() {
			if b, ok := d.GPU().(*GLBuffers); ok {
				b.Draw()
				calls++
			}
		}
	}
	gl.UseProgram(0)
	return calls
}

// Delete frees the program.
func (p *FlatProgram) Delete() {
	gl.DeleteProgram(p.program)
}
