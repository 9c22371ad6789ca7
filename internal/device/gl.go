package device

/*
#cgo LDFLAGS: -lEGL -lGLESv2
#include <stdlib.h>
#include <string.h>
#include <EGL/egl.h>
#include <EGL/eglext.h>
#include <GLES3/gl32.h>

// egl_context_init acquires the default display and a surfaceless ES 3.x
// context, and makes it current. Returns nonzero with errbuf filled on
// failure.
static int egl_context_init(EGLDisplay* out_dpy, EGLContext* out_ctx, char* errbuf, int errcap) {
	errbuf[0] = '\0';
	EGLDisplay dpy = eglGetDisplay(EGL_DEFAULT_DISPLAY);
	if (dpy == EGL_NO_DISPLAY) {
		strncpy(errbuf, "eglGetDisplay returned EGL_NO_DISPLAY", errcap - 1);
		errbuf[errcap - 1] = '\0';
		return -1;
	}
	EGLint major = 0, minor = 0;
	if (eglInitialize(dpy, &major, &minor) != EGL_TRUE) {
		strncpy(errbuf, "eglInitialize failed", errcap - 1);
		errbuf[errcap - 1] = '\0';
		return -1;
	}
	EGLint cfg_attribs[] = {EGL_RENDERABLE_TYPE, EGL_OPENGL_ES3_BIT_KHR, EGL_NONE};
	EGLConfig cfg;
	EGLint count = 0;
	if (eglChooseConfig(dpy, cfg_attribs, &cfg, 1, &count) == EGL_FALSE || count == 0) {
		strncpy(errbuf, "eglChooseConfig found no ES3 config", errcap - 1);
		errbuf[errcap - 1] = '\0';
		eglTerminate(dpy);
		return -1;
	}
	EGLint ctx_attribs[] = {EGL_CONTEXT_CLIENT_VERSION, 3, EGL_NONE};
	EGLContext ctx = eglCreateContext(dpy, cfg, EGL_NO_CONTEXT, ctx_attribs);
	if (ctx == EGL_NO_CONTEXT) {
		strncpy(errbuf, "eglCreateContext failed", errcap - 1);
		errbuf[errcap - 1] = '\0';
		eglTerminate(dpy);
		return -1;
	}
	if (eglMakeCurrent(dpy, EGL_NO_SURFACE, EGL_NO_SURFACE, ctx) != EGL_TRUE) {
		strncpy(errbuf, "eglMakeCurrent failed", errcap - 1);
		errbuf[errcap - 1] = '\0';
		eglDestroyContext(dpy, ctx);
		eglTerminate(dpy);
		return -1;
	}
	*out_dpy = dpy;
	*out_ctx = ctx;
	return 0;
}

static void egl_context_destroy(EGLDisplay dpy, EGLContext ctx) {
	eglMakeCurrent(dpy, EGL_NO_SURFACE, EGL_NO_SURFACE, EGL_NO_CONTEXT);
	eglDestroyContext(dpy, ctx);
	eglTerminate(dpy);
}

// compile_compute_program builds and links a single compute shader.
// Returns 0 on failure with the info log in errbuf.
static GLuint compile_compute_program(const char* src, char* errbuf, int errcap) {
	errbuf[0] = '\0';
	GLuint shader = glCreateShader(GL_COMPUTE_SHADER);
	if (shader == 0) {
		strncpy(errbuf, "glCreateShader failed", errcap - 1);
		errbuf[errcap - 1] = '\0';
		return 0;
	}
	glShaderSource(shader, 1, &src, NULL);
	glCompileShader(shader);
	GLint compiled = 0;
	glGetShaderiv(shader, GL_COMPILE_STATUS, &compiled);
	if (!compiled) {
		glGetShaderInfoLog(shader, errcap, NULL, errbuf);
		glDeleteShader(shader);
		return 0;
	}
	GLuint prog = glCreateProgram();
	glAttachShader(prog, shader);
	glLinkProgram(prog);
	glDeleteShader(shader);
	GLint linked = GL_FALSE;
	glGetProgramiv(prog, GL_LINK_STATUS, &linked);
	if (linked != GL_TRUE) {
		glGetProgramInfoLog(prog, errcap, NULL, errbuf);
		glDeleteProgram(prog);
		return 0;
	}
	return prog;
}
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"
)

type eglHandles struct {
	display C.EGLDisplay
	context C.EGLContext
}

func eglInit() (eglHandles, error) {
	var h eglHandles
	errbuf := make([]C.char, 512)
	if C.egl_context_init(&h.display, &h.context, &errbuf[0], C.int(len(errbuf))) != 0 {
		return h, errors.New(C.GoString(&errbuf[0]))
	}
	return h, nil
}

func (h eglHandles) destroy() {
	C.egl_context_destroy(h.display, h.context)
}

func compileComputeProgram(src string) (uint32, error) {
	cs := C.CString(src)
	defer C.free(unsafe.Pointer(cs))
	errbuf := make([]C.char, 4096)
	prog := C.compile_compute_program(cs, &errbuf[0], C.int(len(errbuf)))
	if prog == 0 {
		return 0, errors.New(C.GoString(&errbuf[0]))
	}
	return uint32(prog), nil
}

func deleteProgram(p uint32) {
	C.glDeleteProgram(C.GLuint(p))
}

func genBuffer(byteLen int, data unsafe.Pointer, static bool) uint32 {
	var id C.GLuint
	C.glGenBuffers(1, &id)
	C.glBindBuffer(C.GL_SHADER_STORAGE_BUFFER, id)
	usage := C.GLenum(C.GL_DYNAMIC_DRAW)
	if static {
		usage = C.GL_STATIC_DRAW
	}
	C.glBufferData(C.GL_SHADER_STORAGE_BUFFER, C.GLsizeiptr(byteLen), data, usage)
	return uint32(id)
}

func bufferSubData(id uint32, byteOff, byteLen int, data unsafe.Pointer) {
	C.glBindBuffer(C.GL_SHADER_STORAGE_BUFFER, C.GLuint(id))
	C.glBufferSubData(C.GL_SHADER_STORAGE_BUFFER, C.GLintptr(byteOff), C.GLsizeiptr(byteLen), data)
}

func copyBufferRange(src, dst uint32, srcOff, dstOff, byteLen int) {
	C.glBindBuffer(C.GL_COPY_READ_BUFFER, C.GLuint(src))
	C.glBindBuffer(C.GL_COPY_WRITE_BUFFER, C.GLuint(dst))
	C.glCopyBufferSubData(C.GL_COPY_READ_BUFFER, C.GL_COPY_WRITE_BUFFER,
		C.GLintptr(srcOff), C.GLintptr(dstOff), C.GLsizeiptr(byteLen))
}

func deleteBuffer(id uint32) {
	cid := C.GLuint(id)
	C.glDeleteBuffers(1, &cid)
}

func bindStorageBuffer(slot uint32, id uint32) {
	C.glBindBufferBase(C.GL_SHADER_STORAGE_BUFFER, C.GLuint(slot), C.GLuint(id))
}

func useProgram(p uint32) {
	C.glUseProgram(C.GLuint(p))
}

func setUniform1i(prog uint32, name string, v int) {
	cn := C.CString(name)
	defer C.free(unsafe.Pointer(cn))
	loc := C.glGetUniformLocation(C.GLuint(prog), (*C.GLchar)(cn))
	C.glUniform1i(loc, C.GLint(v))
}

func setUniform1f(prog uint32, name string, v float32) {
	cn := C.CString(name)
	defer C.free(unsafe.Pointer(cn))
	loc := C.glGetUniformLocation(C.GLuint(prog), (*C.GLchar)(cn))
	C.glUniform1f(loc, C.GLfloat(v))
}

func dispatchCompute(x, y, z int) {
	C.glDispatchCompute(C.GLuint(x), C.GLuint(y), C.GLuint(z))
}

// storageBarrier orders the writes of the previous dispatch before the
// reads of the next one.
func storageBarrier() {
	C.glMemoryBarrier(C.GL_SHADER_STORAGE_BARRIER_BIT)
}

func glError() uint32 {
	return uint32(C.glGetError())
}

// mapReadFloats blocks until prior dispatches complete, then copies n
// floats out of the buffer.
func mapReadFloats(id uint32, n int, out []float32) error {
	C.glBindBuffer(C.GL_SHADER_STORAGE_BUFFER, C.GLuint(id))
	p := C.glMapBufferRange(C.GL_SHADER_STORAGE_BUFFER, 0, C.GLsizeiptr(n*4), C.GL_MAP_READ_BIT)
	if p == nil {
		return fmt.Errorf("glMapBufferRange failed for buffer %d (%d floats)", id, n)
	}
	copy(out, unsafe.Slice((*float32)(p), n))
	C.glUnmapBuffer(C.GL_SHADER_STORAGE_BUFFER)
	return nil
}
