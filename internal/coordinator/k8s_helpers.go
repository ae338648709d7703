package coordinator

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
)

// 常量统一了标签、卷名与挂载路径，确保模板与运行时代码一致。
const (
	labelManagedBy   = "rvexec.io/managing-controller"
	labelTaskID      = "rvexec.io/task-id"
	labelConfigMap   = "rvexec.io/config-map"
	labelJobTemplate = "rvexec.io/template"
	controllerName   = "rv32-coordinator"

	programMountPath   = "/mnt/program"
	programVolumeName  = "program-dir"
	sharedMountPath    = "/mnt/shared"
	resultFileName     = "result.json"
	inputFileName      = "input.json"
	inputMountPath     = "/mnt/input"
	inputVolumeName    = "input-dir"
	defaultProgramName = "program.bin"
)

// nameSanitizer 将任务 ID 清洗成合法的 Kubernetes 名称。
var nameSanitizer = regexp.MustCompile(`[^a-z0-9\-]+`)

// sanitizeName 统一裁剪/小写 Task ID，避免非法或超长名称。
func sanitizeName(base string) string {
	base = strings.ToLower(base)
	base = nameSanitizer.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")
	if len(base) > 50 {
		base = strings.TrimRight(base[:50], "-")
	}
	if len(base) == 0 {
		base = "task"
	}
	return base
}

func (m *KubeManager) configMapName(taskID string) string {
	return fmt.Sprintf("rv32-program-%s", sanitizeName(taskID))
}

func (m *KubeManager) inputConfigMapName(taskID string) string {
	return fmt.Sprintf("rv32-input-%s", sanitizeName(taskID))
}

func (m *KubeManager) jobName(taskID string) string {
	return fmt.Sprintf("rv32-job-%s", sanitizeName(taskID))
}

// taskLabels 为任务相关资源打上统一标签。
func taskLabels(taskID string) map[string]string {
	return map[string]string{
		labelManagedBy: controllerName,
		labelTaskID:    sanitizeName(taskID),
	}
}

// programFileName 保留 CID 的扩展名，执行器据此判断镜像格式。
func programFileName(cid string) string {
	ext := strings.ToLower(path.Ext(cid))
	switch ext {
	case ".s", ".asm", ".txt", ".bin":
		return "program" + ext
	}
	return defaultProgramName
}

// buildJobSpec 根据模板注入任务专属 env、标签与 ConfigMap 卷。
func (m *KubeManager) buildJobSpec(task TaskRequest, jobName, programCMName, inputCMName string) (*batchv1.Job, error) {
	tmpl := m.template.DeepCopy()

	tmpl.Namespace = m.cfg.Namespace
	tmpl.Name = jobName
	tmpl.Labels = mergeLabels(tmpl.Labels, map[string]string{
		labelConfigMap:   programCMName,
		labelJobTemplate: "executor-v1",
	})
	tmpl.Labels = mergeLabels(tmpl.Labels, taskLabels(task.TaskID))

	podMeta := &tmpl.Spec.Template.ObjectMeta
	podMeta.Labels = mergeLabels(podMeta.Labels, taskLabels(task.TaskID))

	appendEnv := func(envs []corev1.EnvVar, name, value string) []corev1.EnvVar {
		if value == "" {
			return envs
		}
		for i := range envs {
			if envs[i].Name == name {
				envs[i].Value = value
				return envs
			}
		}
		return append(envs, corev1.EnvVar{Name: name, Value: value})
	}

	inputPath := fmt.Sprintf("%s/%s", sharedMountPath, inputFileName)
	if inputCMName != "" {
		inputPath = fmt.Sprintf("%s/%s", inputMountPath, inputFileName)
	}

	maxInstructions := m.cfg.MaxInstructions
	if task.MaxInstructions != 0 {
		maxInstructions = task.MaxInstructions
	}

	env := []corev1.EnvVar{}
	env = appendEnv(env, "PROGRAM_PATH", fmt.Sprintf("%s/%s", programMountPath, programFileName(task.ProgramCID)))
	env = appendEnv(env, "OUTPUT_PATH", fmt.Sprintf("%s/%s", sharedMountPath, resultFileName))
	env = appendEnv(env, "INPUT_PATH", inputPath)
	if maxInstructions != 0 {
		env = appendEnv(env, "MAX_INSTRUCTIONS", strconv.FormatUint(maxInstructions, 10))
	}
	if m.cfg.MemorySize != 0 {
		env = appendEnv(env, "MEMORY_SIZE", strconv.FormatUint(uint64(m.cfg.MemorySize), 10))
	}
	if task.EndAddr != nil {
		env = appendEnv(env, "END_ADDR", fmt.Sprintf("0x%x", *task.EndAddr))
	}
	if len(task.Registers) > 0 {
		regs, err := json.Marshal(task.Registers)
		if err != nil {
			return nil, fmt.Errorf("encode registers: %w", err)
		}
		env = appendEnv(env, "REGISTERS_JSON", string(regs))
	}
	for k, v := range tn(task.Args) {
		env = appendEnv(env, k, v)
	}

	for i := range tmpl.Spec.Template.Spec.Containers {
		c := &tmpl.Spec.Template.Spec.Containers[i]
		if m.cfg.ExecutorImage != "" {
			c.Image = m.cfg.ExecutorImage
		}
		for _, e := range env {
			c.Env = appendEnv(c.Env, e.Name, e.Value)
		}
		ensureVolumeMount(c, programVolumeName, programMountPath, true)
		if inputCMName != "" {
			ensureVolumeMount(c, inputVolumeName, inputMountPath, true)
		}
	}

	vols := &tmpl.Spec.Template.Spec.Volumes
	ensureConfigMapVolume(vols, programVolumeName, programCMName)
	if inputCMName != "" {
		ensureConfigMapVolume(vols, inputVolumeName, inputCMName)
	}

	return tmpl, nil
}

// ensureConfigMapVolume 确保 Pod 规格中存在指向 cmName 的 ConfigMap 卷。
func ensureConfigMapVolume(vols *[]corev1.Volume, name, cmName string) {
	src := corev1.VolumeSource{
		ConfigMap: &corev1.ConfigMapVolumeSource{
			LocalObjectReference: corev1.LocalObjectReference{Name: cmName},
		},
	}
	for i := range *vols {
		if (*vols)[i].Name == name {
			(*vols)[i].VolumeSource = src
			return
		}
	}
	*vols = append(*vols, corev1.Volume{Name: name, VolumeSource: src})
}

// ensureVolumeMount 确保容器挂载指定卷并更新挂载属性。
func ensureVolumeMount(c *corev1.Container, name, mountPath string, readOnly bool) {
	for i := range c.VolumeMounts {
		if c.VolumeMounts[i].Name == name {
			c.VolumeMounts[i].MountPath = mountPath
			c.VolumeMounts[i].ReadOnly = readOnly
			return
		}
	}
	c.VolumeMounts = append(c.VolumeMounts, corev1.VolumeMount{
		Name:      name,
		MountPath: mountPath,
		ReadOnly:  readOnly,
	})
}

// tn 将 nil map 替换为可遍历的空 map，方便统一构造 env。
func tn(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}

// mergeLabels 以覆盖方式合并标签，src 优先。
func mergeLabels(dst map[string]string, src map[string]string) map[string]string {
	if dst == nil {
		dst = map[string]string{}
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
