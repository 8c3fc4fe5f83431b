package gpu

// Shader sources for the channel DAG. All passes share one fullscreen
// vertex stage; the fragment stages mirror the CPU channel math on RGBA8
// targets, with values scaled into [0,1].

const vsQuad = `#version 330 core
layout(location = 0) in vec2 pos;
layout(location = 1) in vec2 uv;
out vec2 vUV;
uniform mat3 texMat;
void main() {
	vec3 t = texMat * vec3(uv, 1.0);
	vUV = t.xy;
	gl_Position = vec4(pos, 0.0, 1.0);
}`

// fsGain copies its input with a constant gain. Used for the rotation pass
// (the orientation is folded into texMat) and the plain reductions, where
// the bilinear sampler performs the downsampling average.
const fsGain = `#version 330 core
in vec2 vUV;
out vec4 frag;
uniform sampler2D tex0;
uniform float gain;
void main() {
	frag = texture(tex0, vUV) * gain;
}`

// fsSmooth is a separable 5-tap binomial kernel, [1 4 6 4 1]/16; dir
// selects the axis. Two chained passes give the 2-D kernel.
const fsSmooth = `#version 330 core
in vec2 vUV;
out vec4 frag;
uniform sampler2D tex0;
uniform vec2 dir; // one texel step along the filter axis
void main() {
	vec4 acc = texture(tex0, vUV) * 0.375;
	acc += (texture(tex0, vUV - dir) + texture(tex0, vUV + dir)) * 0.25;
	acc += (texture(tex0, vUV - 2.0 * dir) + texture(tex0, vUV + 2.0 * dir)) * 0.0625;
	frag = acc;
}`

// fsRgb2Luv matches the CPU transform: fixed RGB->XYZ matrix, piecewise L,
// and the /270 range compression.
const fsRgb2Luv = `#version 330 core
in vec2 vUV;
out vec4 frag;
uniform sampler2D tex0;
const mat3 RGBtoXYZ = mat3(
	0.430574, 0.222015, 0.020183,
	0.341550, 0.706655, 0.129553,
	0.178325, 0.071330, 0.939180);
void main() {
	vec3 rgb = texture(tex0, vUV).rgb;
	vec3 xyz = RGBtoXYZ * rgb;
	const float y0 = 0.00885645167;
	const float a = 903.296296296;
	const float un = 0.197833;
	const float vn = 0.468331;
	const float maxi = 0.0037037037;
	float L = (xyz.y > y0) ? (116.0 * pow(xyz.y, 0.3333333333) - 16.0) : (xyz.y * a);
	L *= maxi;
	float z = 1.0 / (dot(xyz, vec3(1.0, 15.0, 3.0)) + 1e-35);
	float u = L * (52.0 * xyz.x * z - 13.0 * un) + 88.0 * maxi;
	float v = L * (117.0 * xyz.y * z - 13.0 * vn) + 134.0 * maxi;
	frag = vec4(L, u, v, 1.0);
}`

// fsGradient emits (M, O, dx, dy) from the L plane of its LUV input.
// dx/dy are biased by 0.5 to fit the unsigned target.
const fsGradient = `#version 330 core
in vec2 vUV;
out vec4 frag;
uniform sampler2D tex0;
uniform vec2 texel;
const float PI = 3.14159265358979;
void main() {
	float l = texture(tex0, vUV - vec2(texel.x, 0.0)).x;
	float r = texture(tex0, vUV + vec2(texel.x, 0.0)).x;
	float d = texture(tex0, vUV - vec2(0.0, texel.y)).x;
	float u = texture(tex0, vUV + vec2(0.0, texel.y)).x;
	float dx = (r - l) * 0.5;
	float dy = (u - d) * 0.5;
	float m = length(vec2(dx, dy));
	float o = atan(dy, dx);
	if (o < 0.0) { o += PI; }
	if (o >= PI) { o -= PI; }
	frag = vec4(m, o / PI, dx + 0.5, dy + 0.5);
}`

// fsNorm divides the gradient magnitude by its smoothed envelope. tex0 is
// the raw gradient, tex1 the fsSmooth filtered copy.
const fsNorm = `#version 330 core
in vec2 vUV;
out vec4 frag;
uniform sampler2D tex0;
uniform sampler2D tex1;
uniform float normConst;
void main() {
	vec4 g = texture(tex0, vUV);
	float env = texture(tex1, vUV).x;
	frag = vec4(g.x / (env + normConst), g.yzw);
}`

// fsGradHist soft-bins the magnitude into four consecutive orientation
// channels starting at binBase; one pass covers bins 0..3, a second pass
// bins 4..5 (the spare outputs stay zero).
const fsGradHist = `#version 330 core
in vec2 vUV;
out vec4 frag;
uniform sampler2D tex0; // (M, O/pi, dx, dy)
uniform float nOrients;
uniform float binBase;
void main() {
	vec4 g = texture(tex0, vUV);
	float t = g.y * nOrients;
	float b0 = floor(t);
	float f = t - b0;
	b0 = mod(b0, nOrients);
	float b1 = mod(b0 + 1.0, nOrients);
	vec4 acc = vec4(0.0);
	for (int i = 0; i < 4; i++) {
		float b = binBase + float(i);
		if (b >= nOrients) { break; }
		float w = 0.0;
		if (abs(b - b0) < 0.5) { w += 1.0 - f; }
		if (abs(b - b1) < 0.5) { w += f; }
		acc[i] = g.x * w;
	}
	frag = acc;
}`

// fsMerge2 packs channels of two inputs into one RGBA output according to
// a swizzle selector: each output lane picks (input, channel).
const fsMerge2 = `#version 330 core
in vec2 vUV;
out vec4 frag;
uniform sampler2D tex0;
uniform sampler2D tex1;
uniform ivec4 srcTex;  // 0 or 1 per output lane
uniform ivec4 srcChan; // channel per output lane
void main() {
	vec4 a = texture(tex0, vUV);
	vec4 b = texture(tex1, vUV);
	vec4 o;
	for (int i = 0; i < 4; i++) {
		vec4 s = (srcTex[i] == 0) ? a : b;
		o[i] = s[srcChan[i]];
	}
	frag = o;
}`
