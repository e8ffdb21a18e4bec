//go:build linux && cgo

package graph

/*
#cgo pkg-config: libpipewire-0.3
#cgo LDFLAGS: -ldl
#include <pipewire/pipewire.h>
#include <spa/param/audio/format-utils.h>
#include <stdlib.h>
#include <string.h>
#include <dlfcn.h>

// The PipeWire library is loaded at run time; when it cannot be found,
// NewPipeWire reports ErrUnavailable.
static void (*d_pw_init)(int *argc, char **argv[]);
static struct pw_main_loop * (*d_pw_main_loop_new)(const struct spa_dict *props);
static struct pw_loop * (*d_pw_main_loop_get_loop)(struct pw_main_loop *loop);
static void (*d_pw_main_loop_quit)(struct pw_main_loop *loop);
static void (*d_pw_main_loop_run)(struct pw_main_loop *loop);
static void (*d_pw_main_loop_destroy)(struct pw_main_loop *loop);
static struct pw_context * (*d_pw_context_new)(struct pw_loop *main_loop, struct pw_properties *props, size_t user_data_size);
static void (*d_pw_context_destroy)(struct pw_context *context);
static struct pw_core * (*d_pw_context_connect)(struct pw_context *context, struct pw_properties *properties, size_t user_data_size);
static int (*d_pw_core_disconnect)(struct pw_core *core);
static struct pw_properties * (*d_pw_properties_new)(const char *key, ...);
static int (*d_pw_properties_set)(struct pw_properties *props, const char *key, const char *value);
static struct pw_stream * (*d_pw_stream_new)(struct pw_core *core, const char *name, struct pw_properties *props);
static void (*d_pw_stream_add_listener)(struct pw_stream *stream, struct spa_hook *listener, const struct pw_stream_events *events, void *data);
static int (*d_pw_stream_connect)(struct pw_stream *stream, enum pw_direction direction, uint32_t target_id, enum pw_stream_flags flags, const struct spa_pod **params, uint32_t n_params);
static struct pw_buffer * (*d_pw_stream_dequeue_buffer)(struct pw_stream *stream);
static int (*d_pw_stream_queue_buffer)(struct pw_stream *stream, struct pw_buffer *buffer);
static void (*d_pw_stream_destroy)(struct pw_stream *stream);

static void *pw_lib_handle = NULL;

static int load_pipewire() {
	if (pw_lib_handle != NULL) return 1;

	const char *lib_names[] = {
		"libpipewire-0.3.so.0",
		"libpipewire-0.3.so",
		NULL
	};
	for (int i = 0; lib_names[i] != NULL; i++) {
		pw_lib_handle = dlopen(lib_names[i], RTLD_NOW);
		if (pw_lib_handle) break;
	}
	if (!pw_lib_handle) return 0;

	d_pw_init = dlsym(pw_lib_handle, "pw_init");
	d_pw_main_loop_new = dlsym(pw_lib_handle, "pw_main_loop_new");
	d_pw_main_loop_get_loop = dlsym(pw_lib_handle, "pw_main_loop_get_loop");
	d_pw_main_loop_quit = dlsym(pw_lib_handle, "pw_main_loop_quit");
	d_pw_main_loop_run = dlsym(pw_lib_handle, "pw_main_loop_run");
	d_pw_main_loop_destroy = dlsym(pw_lib_handle, "pw_main_loop_destroy");
	d_pw_context_new = dlsym(pw_lib_handle, "pw_context_new");
	d_pw_context_destroy = dlsym(pw_lib_handle, "pw_context_destroy");
	d_pw_context_connect = dlsym(pw_lib_handle, "pw_context_connect");
	d_pw_core_disconnect = dlsym(pw_lib_handle, "pw_core_disconnect");
	d_pw_properties_new = dlsym(pw_lib_handle, "pw_properties_new");
	d_pw_properties_set = dlsym(pw_lib_handle, "pw_properties_set");
	d_pw_stream_new = dlsym(pw_lib_handle, "pw_stream_new");
	d_pw_stream_add_listener = dlsym(pw_lib_handle, "pw_stream_add_listener");
	d_pw_stream_connect = dlsym(pw_lib_handle, "pw_stream_connect");
	d_pw_stream_dequeue_buffer = dlsym(pw_lib_handle, "pw_stream_dequeue_buffer");
	d_pw_stream_queue_buffer = dlsym(pw_lib_handle, "pw_stream_queue_buffer");
	d_pw_stream_destroy = dlsym(pw_lib_handle, "pw_stream_destroy");

	if (!d_pw_init || !d_pw_main_loop_new || !d_pw_stream_new ||
	    !d_pw_properties_set || !d_pw_stream_connect) {
		dlclose(pw_lib_handle);
		pw_lib_handle = NULL;
		return 0;
	}
	return 1;
}

// plane_desc mirrors one spa_data/spa_chunk pair for the Go capture parser.
struct plane_desc {
	void *data;
	uint32_t maxsize;
	uint32_t offset;
	uint32_t size;
	uint32_t stride;
};

#define AC3LIVE_MAX_PLANES 8

struct go_stream_data {
	int id;
	struct pw_stream *stream;
	struct spa_hook listener;
	struct plane_desc planes[AC3LIVE_MAX_PLANES];
};

extern void ac3liveCaptureProcess(int id, struct plane_desc *planes, int nplanes);
extern int ac3livePlaybackFill(int id, void *data, uint32_t maxsize);

static void on_capture_process(void *userdata) {
	struct go_stream_data *d = userdata;
	if (!d->stream) return;

	struct pw_buffer *b = d_pw_stream_dequeue_buffer(d->stream);
	if (b == NULL) return;

	struct spa_buffer *buf = b->buffer;
	int n = buf->n_datas;
	if (n > AC3LIVE_MAX_PLANES) n = AC3LIVE_MAX_PLANES;

	int filled = 0;
	for (int i = 0; i < n; i++) {
		struct spa_data *sd = &buf->datas[i];
		if (sd->data == NULL || sd->chunk == NULL) break;
		d->planes[filled].data = sd->data;
		d->planes[filled].maxsize = sd->maxsize;
		d->planes[filled].offset = sd->chunk->offset;
		d->planes[filled].size = sd->chunk->size;
		d->planes[filled].stride = sd->chunk->stride;
		filled++;
	}
	if (filled > 0) {
		ac3liveCaptureProcess(d->id, d->planes, filled);
	}

	d_pw_stream_queue_buffer(d->stream, b);
}

static void on_playback_process(void *userdata) {
	struct go_stream_data *d = userdata;
	if (!d->stream) return;

	struct pw_buffer *b = d_pw_stream_dequeue_buffer(d->stream);
	if (b == NULL) return;

	struct spa_buffer *buf = b->buffer;
	struct spa_data *sd = &buf->datas[0];
	if (sd->data != NULL && sd->chunk != NULL && sd->maxsize > 0) {
		int filled = ac3livePlaybackFill(d->id, sd->data, sd->maxsize);
		sd->chunk->offset = 0;
		sd->chunk->stride = 4;
		sd->chunk->size = (uint32_t)filled;
	}

	d_pw_stream_queue_buffer(d->stream, b);
}

static const struct pw_stream_events capture_events = {
	PW_VERSION_STREAM_EVENTS,
	.process = on_capture_process,
};

static const struct pw_stream_events playback_events = {
	PW_VERSION_STREAM_EVENTS,
	.process = on_playback_process,
};

static void wrap_pw_init() { d_pw_init(NULL, NULL); }
static struct pw_main_loop * wrap_pw_main_loop_new() { return d_pw_main_loop_new(NULL); }
static struct pw_context * wrap_pw_context_new(struct pw_main_loop *loop) { return d_pw_context_new(d_pw_main_loop_get_loop(loop), NULL, 0); }
static struct pw_core * wrap_pw_context_connect(struct pw_context *context) { return d_pw_context_connect(context, NULL, 0); }
static void wrap_pw_main_loop_run(struct pw_main_loop *loop) { d_pw_main_loop_run(loop); }
static void wrap_pw_main_loop_quit(struct pw_main_loop *loop) { d_pw_main_loop_quit(loop); }
static void wrap_pw_main_loop_destroy(struct pw_main_loop *loop) { d_pw_main_loop_destroy(loop); }
static void wrap_pw_context_destroy(struct pw_context *context) { d_pw_context_destroy(context); }
static void wrap_pw_core_disconnect(struct pw_core *core) { d_pw_core_disconnect(core); }
static void wrap_pw_stream_destroy(struct pw_stream *stream) { d_pw_stream_destroy(stream); }

static struct pw_properties * new_props() { return d_pw_properties_new(NULL, NULL); }
static void props_set(struct pw_properties *props, const char *key, const char *value) { d_pw_properties_set(props, key, value); }

static struct pw_stream * create_stream(struct pw_core *core, const char *name,
		struct pw_properties *props, struct go_stream_data *data, int playback) {
	struct pw_stream *stream = d_pw_stream_new(core, name, props);
	if (stream != NULL) {
		data->stream = stream;
		d_pw_stream_add_listener(stream, &data->listener,
			playback ? &playback_events : &capture_events, data);
	}
	return stream;
}

static int connect_capture_stream(struct pw_stream *stream) {
	uint8_t buffer[1024];
	struct spa_pod_builder b = SPA_POD_BUILDER_INIT(buffer, sizeof(buffer));

	struct spa_audio_info_raw info = {0};
	info.format = SPA_AUDIO_FORMAT_F32_LE;
	info.rate = 48000;
	info.channels = 6;
	info.position[0] = SPA_AUDIO_CHANNEL_FL;
	info.position[1] = SPA_AUDIO_CHANNEL_FR;
	info.position[2] = SPA_AUDIO_CHANNEL_FC;
	info.position[3] = SPA_AUDIO_CHANNEL_LFE;
	info.position[4] = SPA_AUDIO_CHANNEL_SL;
	info.position[5] = SPA_AUDIO_CHANNEL_SR;

	const struct spa_pod *params[1];
	params[0] = spa_format_audio_raw_build(&b, SPA_PARAM_EnumFormat, &info);

	return d_pw_stream_connect(stream,
		PW_DIRECTION_INPUT,
		PW_ID_ANY,
		PW_STREAM_FLAG_MAP_BUFFERS | PW_STREAM_FLAG_RT_PROCESS,
		params, 1);
}

static int connect_playback_stream(struct pw_stream *stream, uint32_t target_id) {
	uint8_t buffer[1024];
	struct spa_pod_builder b = SPA_POD_BUILDER_INIT(buffer, sizeof(buffer));

	struct spa_audio_info_raw info = {0};
	info.format = SPA_AUDIO_FORMAT_S16_LE;
	info.rate = 48000;
	info.channels = 2;
	info.position[0] = SPA_AUDIO_CHANNEL_FL;
	info.position[1] = SPA_AUDIO_CHANNEL_FR;

	const struct spa_pod *params[1];
	params[0] = spa_format_audio_raw_build(&b, SPA_PARAM_EnumFormat, &info);

	return d_pw_stream_connect(stream,
		PW_DIRECTION_OUTPUT,
		target_id,
		PW_STREAM_FLAG_AUTOCONNECT | PW_STREAM_FLAG_MAP_BUFFERS | PW_STREAM_FLAG_RT_PROCESS,
		params, 1);
}
*/
import "C"

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/zsiec/ac3live/capture"
)

const (
	captureStreamID  = 1
	playbackStreamID = 2
)

var (
	libMu     sync.Mutex
	libLoaded bool

	// One daemon attaches to the graph once; the C callbacks reach back
	// into Go through a lock-free pointer so the RT path never locks.
	registerMu sync.Mutex
	active     atomic.Pointer[pipewireBinding]
)

func loadLibrary() bool {
	libMu.Lock()
	defer libMu.Unlock()
	if libLoaded {
		return true
	}
	if C.load_pipewire() == 1 {
		C.wrap_pw_init()
		libLoaded = true
	}
	return libLoaded
}

type pipewireBinding struct {
	log *slog.Logger

	loop    *C.struct_pw_main_loop
	context *C.struct_pw_context
	core    *C.struct_pw_core

	captureData  *C.struct_go_stream_data
	playbackData *C.struct_go_stream_data

	captureFn  CaptureFunc
	playbackFn PlaybackFunc

	// Pre-allocated plane headers so the capture trampoline does not
	// allocate on the RT thread.
	planes [8]capture.Plane

	closeOnce sync.Once
	closeErr  error
}

// NewPipeWire loads the PipeWire library and connects to the graph.
func NewPipeWire(log *slog.Logger) (Binding, error) {
	if log == nil {
		log = slog.Default()
	}
	if !loadLibrary() {
		return nil, ErrUnavailable
	}

	registerMu.Lock()
	defer registerMu.Unlock()
	if active.Load() != nil {
		return nil, fmt.Errorf("pipewire binding already attached")
	}

	b := &pipewireBinding{log: log.With("component", "graph")}

	b.loop = C.wrap_pw_main_loop_new()
	if b.loop == nil {
		return nil, fmt.Errorf("pipewire: create main loop")
	}
	b.context = C.wrap_pw_context_new(b.loop)
	if b.context == nil {
		b.destroy()
		return nil, fmt.Errorf("pipewire: create context")
	}
	b.core = C.wrap_pw_context_connect(b.context)
	if b.core == nil {
		b.destroy()
		return nil, fmt.Errorf("pipewire: connect to graph daemon")
	}

	active.Store(b)
	return b, nil
}

func setProp(props *C.struct_pw_properties, key, value string) {
	ck := C.CString(key)
	cv := C.CString(value)
	C.props_set(props, ck, cv)
	C.free(unsafe.Pointer(ck))
	C.free(unsafe.Pointer(cv))
}

// ConnectCapture registers the virtual 6-channel sink node.
func (b *pipewireBinding) ConnectCapture(cfg Config, fn CaptureFunc) error {
	props := C.new_props()
	setProp(props, "media.class", "Audio/Sink")
	setProp(props, "node.name", InputNodeName)
	setProp(props, "node.description", "AC-3 Encoder Input")
	setProp(props, "application.name", AppName)
	setProp(props, "audio.channels", "6")
	setProp(props, "audio.position", ChannelPosition)
	setProp(props, "audio.rate", "48000")
	setProp(props, "audio.format", "F32LE")
	if cfg.Latency != "" {
		setProp(props, "node.latency", cfg.Latency)
	}

	b.captureFn = fn
	b.captureData = (*C.struct_go_stream_data)(C.malloc(C.sizeof_struct_go_stream_data))
	C.memset(unsafe.Pointer(b.captureData), 0, C.sizeof_struct_go_stream_data)
	b.captureData.id = captureStreamID

	name := C.CString("ac3live-capture")
	defer C.free(unsafe.Pointer(name))
	stream := C.create_stream(b.core, name, props, b.captureData, 0)
	if stream == nil {
		return fmt.Errorf("pipewire: create capture stream")
	}

	if res := C.connect_capture_stream(stream); res < 0 {
		return fmt.Errorf("pipewire: connect capture stream: %d", int(res))
	}
	b.log.Info("capture node registered", "node", InputNodeName)
	return nil
}

// ConnectPlayback registers the stereo bitstream output stream. A numeric
// target is applied both as the connect hint and as the target.object
// property; a name goes through target.object only.
func (b *pipewireBinding) ConnectPlayback(cfg Config, fill PlaybackFunc) error {
	props := C.new_props()
	setProp(props, "node.name", OutputNodeName)
	setProp(props, "node.description", "AC-3 Live Output")
	setProp(props, "application.name", AppName)
	setProp(props, "audio.channels", "2")
	setProp(props, "audio.rate", "48000")
	setProp(props, "audio.format", "S16LE")
	setProp(props, "stream.capture.sink", "true")
	if cfg.Latency != "" {
		setProp(props, "node.latency", cfg.Latency)
	}

	targetID := C.uint32_t(0xffffffff) // PW_ID_ANY
	if cfg.Target != "" {
		setProp(props, "target.object", cfg.Target)
		if id, ok := cfg.TargetID(); ok {
			targetID = C.uint32_t(id)
		}
	}

	b.playbackFn = fill
	b.playbackData = (*C.struct_go_stream_data)(C.malloc(C.sizeof_struct_go_stream_data))
	C.memset(unsafe.Pointer(b.playbackData), 0, C.sizeof_struct_go_stream_data)
	b.playbackData.id = playbackStreamID

	name := C.CString("ac3live-playback")
	defer C.free(unsafe.Pointer(name))
	stream := C.create_stream(b.core, name, props, b.playbackData, 1)
	if stream == nil {
		return fmt.Errorf("pipewire: create playback stream")
	}

	if res := C.connect_playback_stream(stream, targetID); res < 0 {
		return fmt.Errorf("pipewire: connect playback stream: %d", int(res))
	}
	b.log.Info("playback stream registered", "node", OutputNodeName, "target", cfg.Target)
	return nil
}

// Run pumps the graph loop on a locked OS thread until Quit.
func (b *pipewireBinding) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	C.wrap_pw_main_loop_run(b.loop)
	return nil
}

// Quit unblocks Run. Safe from any goroutine.
func (b *pipewireBinding) Quit() {
	if b.loop != nil {
		C.wrap_pw_main_loop_quit(b.loop)
	}
}

// Close destroys the streams and disconnects from the graph. Call only
// after Run has returned.
func (b *pipewireBinding) Close() error {
	b.closeOnce.Do(func() {
		b.destroy()
		registerMu.Lock()
		if active.Load() == b {
			active.Store(nil)
		}
		registerMu.Unlock()
	})
	return b.closeErr
}

func (b *pipewireBinding) destroy() {
	for _, d := range []*C.struct_go_stream_data{b.captureData, b.playbackData} {
		if d != nil {
			if d.stream != nil {
				C.wrap_pw_stream_destroy(d.stream)
			}
			C.free(unsafe.Pointer(d))
		}
	}
	b.captureData = nil
	b.playbackData = nil
	if b.core != nil {
		C.wrap_pw_core_disconnect(b.core)
		b.core = nil
	}
	if b.context != nil {
		C.wrap_pw_context_destroy(b.context)
		b.context = nil
	}
	if b.loop != nil {
		C.wrap_pw_main_loop_destroy(b.loop)
		b.loop = nil
	}
}

//export ac3liveCaptureProcess
func ac3liveCaptureProcess(id C.int, planes *C.struct_plane_desc, nplanes C.int) {
	b := active.Load()
	if b == nil || b.captureFn == nil || id != captureStreamID {
		return
	}

	descs := unsafe.Slice(planes, int(nplanes))
	n := 0
	for i := range descs {
		d := &descs[i]
		if d.data == nil || d.maxsize == 0 {
			break
		}
		b.planes[n] = capture.Plane{
			Data:   unsafe.Slice((*byte)(d.data), int(d.maxsize)),
			Offset: uint32(d.offset),
			Size:   uint32(d.size),
			Stride: uint32(d.stride),
		}
		n++
	}
	if n > 0 {
		b.captureFn(b.planes[:n])
	}
}

//export ac3livePlaybackFill
func ac3livePlaybackFill(id C.int, data unsafe.Pointer, maxsize C.uint32_t) C.int {
	b := active.Load()
	if b == nil || b.playbackFn == nil || id != playbackStreamID {
		return 0
	}
	buf := unsafe.Slice((*byte)(data), int(maxsize))
	return C.int(b.playbackFn(buf))
}
